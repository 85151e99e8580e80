package dispatch

// Argument accessors for JSON-decoded tool arguments. JSON numbers
// arrive as float64, objects as map[string]any, arrays as []any.

// StringArg returns the string value for key, if present.
func StringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

// NumberArg returns the numeric value for key, if present. Integers that
// arrived as float64 are included.
func NumberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// IntArg returns the integer value for key, if present.
func IntArg(args map[string]any, key string) (int, bool) {
	f, ok := NumberArg(args, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// MapArg returns the object value for key, if present.
func MapArg(args map[string]any, key string) (map[string]any, bool) {
	v, ok := args[key].(map[string]any)
	return v, ok
}

// SliceArg returns the array value for key, if present.
func SliceArg(args map[string]any, key string) ([]any, bool) {
	v, ok := args[key].([]any)
	return v, ok
}

// StringSliceArg returns the array value for key with every element
// asserted to string. Non-string elements are skipped.
func StringSliceArg(args map[string]any, key string) ([]string, bool) {
	raw, ok := args[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}
