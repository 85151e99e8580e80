// Package financial provides the financial domain's tool set: budget
// analysis, portfolio review, goal planning, and debt payoff
// optimization.
package financial

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dstanwood/trellis/internal/dispatch"
)

// Tools returns the financial domain tool set for registration.
func Tools() []dispatch.Tool {
	return []dispatch.Tool{
		{
			Name:        "analyze_budget",
			Description: "Analyze budget data and provide insights",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"income": map[string]any{"type": "number", "description": "Monthly income"},
					"expenses": map[string]any{
						"type":                 "object",
						"description":          "Expense categories with amounts",
						"additionalProperties": map[string]any{"type": "number"},
					},
					"goals": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Financial goals",
					},
				},
				"required": []any{"income", "expenses"},
			},
			Handler: handleBudgetAnalysis,
		},
		{
			Name:        "analyze_portfolio",
			Description: "Analyze investment portfolio and provide recommendations",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"holdings": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"symbol":     map[string]any{"type": "string"},
								"quantity":   map[string]any{"type": "number"},
								"cost_basis": map[string]any{"type": "number"},
							},
						},
					},
					"risk_tolerance": map[string]any{
						"type": "string",
						"enum": []any{"conservative", "moderate", "aggressive"},
					},
					"time_horizon": map[string]any{"type": "integer", "description": "Investment timeline in years"},
				},
				"required": []any{"holdings"},
			},
			Handler: handlePortfolioAnalysis,
		},
		{
			Name:        "plan_financial_goal",
			Description: "Create a plan to achieve specific financial goals",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"goal_type": map[string]any{
						"type": "string",
						"enum": []any{"retirement", "house", "vacation", "emergency_fund", "education", "other"},
					},
					"target_amount":        map[string]any{"type": "number", "description": "Target amount needed"},
					"current_savings":      map[string]any{"type": "number", "description": "Current amount saved"},
					"timeline_months":      map[string]any{"type": "integer", "description": "Timeline in months"},
					"monthly_contribution": map[string]any{"type": "number", "description": "Monthly contribution ability"},
				},
				"required": []any{"goal_type", "target_amount", "timeline_months"},
			},
			Handler: handleGoalPlanning,
		},
		{
			Name:        "optimize_debt_payoff",
			Description: "Optimize debt payoff strategy",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"debts": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"name":            map[string]any{"type": "string"},
								"balance":         map[string]any{"type": "number"},
								"interest_rate":   map[string]any{"type": "number"},
								"minimum_payment": map[string]any{"type": "number"},
							},
						},
					},
					"extra_payment": map[string]any{"type": "number", "description": "Extra monthly amount for debt payoff"},
					"strategy": map[string]any{
						"type":    "string",
						"enum":    []any{"avalanche", "snowball", "hybrid"},
						"default": "avalanche",
					},
				},
				"required": []any{"debts"},
			},
			Handler: handleDebtOptimization,
		},
	}
}

func handleBudgetAnalysis(ctx context.Context, args map[string]any) (any, error) {
	income, ok := dispatch.NumberArg(args, "income")
	if !ok {
		return nil, fmt.Errorf("income is required")
	}
	expenses, ok := dispatch.MapArg(args, "expenses")
	if !ok {
		return nil, fmt.Errorf("expenses is required")
	}
	goals, _ := dispatch.StringSliceArg(args, "goals")

	var totalExpenses float64
	for _, v := range expenses {
		if amount, ok := v.(float64); ok {
			totalExpenses += amount
		}
	}
	netIncome := income - totalExpenses

	var savingsRate float64
	if income > 0 {
		savingsRate = netIncome / income * 100
	}

	spendingAnalysis := make(map[string]any, len(expenses))
	for category, v := range expenses {
		amount, ok := v.(float64)
		if !ok {
			continue
		}
		var percentage float64
		if income > 0 {
			percentage = amount / income * 100
		}
		spendingAnalysis[category] = map[string]any{
			"amount":               amount,
			"percentage_of_income": round2(percentage),
		}
	}

	healthScore := math.Min(100, math.Max(0, savingsRate*2))

	var recommendations []string
	if savingsRate < 10 {
		recommendations = append(recommendations, "Consider increasing savings rate to at least 10% of income")
	}
	if savingsRate < 0 {
		recommendations = append(recommendations, "URGENT: Expenses exceed income - review and cut costs immediately")
	}
	for _, category := range sortedCategories(spendingAnalysis) {
		data := spendingAnalysis[category].(map[string]any)
		pct := data["percentage_of_income"].(float64)
		lower := strings.ToLower(category)
		if pct > 30 && lower != "housing" && lower != "rent" {
			recommendations = append(recommendations, fmt.Sprintf("Consider reducing %s spending (currently %.1f%% of income)", category, pct))
		}
	}

	return map[string]any{
		"budget_summary": map[string]any{
			"monthly_income": income,
			"total_expenses": totalExpenses,
			"net_income":     netIncome,
			"savings_rate":   round2(savingsRate),
		},
		"spending_analysis": spendingAnalysis,
		"health_score":      round1(healthScore),
		"recommendations":   recommendations,
		"goals_assessment":  assessGoalFeasibility(netIncome, goals),
		"analysis_date":     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// assessGoalFeasibility splits surplus income into a recommended
// allocation across goal buckets.
func assessGoalFeasibility(netIncome float64, goals []string) map[string]any {
	if netIncome <= 0 {
		return map[string]any{
			"feasible": false,
			"reason":   "No surplus income available for goals",
		}
	}
	return map[string]any{
		"surplus_available": netIncome,
		"feasible":          true,
		"recommended_allocation": map[string]any{
			"emergency_fund": round2(netIncome * 0.3),
			"retirement":     round2(netIncome * 0.4),
			"other_goals":    round2(netIncome * 0.3),
		},
	}
}

func handlePortfolioAnalysis(ctx context.Context, args map[string]any) (any, error) {
	holdings, ok := dispatch.SliceArg(args, "holdings")
	if !ok {
		return nil, fmt.Errorf("holdings is required")
	}
	riskTolerance, ok := dispatch.StringArg(args, "risk_tolerance")
	if !ok || riskTolerance == "" {
		riskTolerance = "moderate"
	}
	timeHorizon, ok := dispatch.IntArg(args, "time_horizon")
	if !ok {
		timeHorizon = 10
	}

	var totalValue float64
	for _, h := range holdings {
		holding, ok := h.(map[string]any)
		if !ok {
			continue
		}
		quantity, _ := holding["quantity"].(float64)
		costBasis, _ := holding["cost_basis"].(float64)
		totalValue += quantity * costBasis
	}

	recommendations := []string{
		"Consider regular portfolio rebalancing",
		"Ensure adequate diversification across sectors and asset classes",
	}
	if len(holdings) < 5 {
		recommendations = append(recommendations, "Consider adding more holdings for better diversification")
	}
	if riskTolerance == "conservative" && timeHorizon > 15 {
		recommendations = append(recommendations, "With longer time horizon, consider moderate risk tolerance")
	}

	return map[string]any{
		"portfolio_analysis": map[string]any{
			"total_holdings":        len(holdings),
			"estimated_value":       totalValue,
			"diversification_score": math.Min(100, float64(len(holdings))*10),
			"risk_assessment":       riskTolerance,
		},
		"recommendations":    recommendations,
		"risk_tolerance":     riskTolerance,
		"time_horizon_years": timeHorizon,
		"analysis_date":      time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func handleGoalPlanning(ctx context.Context, args map[string]any) (any, error) {
	goalType, ok := dispatch.StringArg(args, "goal_type")
	if !ok || goalType == "" {
		return nil, fmt.Errorf("goal_type is required")
	}
	targetAmount, ok := dispatch.NumberArg(args, "target_amount")
	if !ok {
		return nil, fmt.Errorf("target_amount is required")
	}
	timelineMonths, ok := dispatch.IntArg(args, "timeline_months")
	if !ok {
		return nil, fmt.Errorf("timeline_months is required")
	}
	currentSavings, _ := dispatch.NumberArg(args, "current_savings")
	monthlyContribution, _ := dispatch.NumberArg(args, "monthly_contribution")

	remaining := targetAmount - currentSavings
	var requiredMonthly float64
	if timelineMonths > 0 {
		requiredMonthly = remaining / float64(timelineMonths)
	}

	achievable := monthlyContribution >= requiredMonthly
	shortfall := math.Max(0, requiredMonthly-monthlyContribution)

	var recommendations []string
	if !achievable {
		recommendations = append(recommendations, fmt.Sprintf("Increase monthly savings by $%.2f to meet goal", shortfall))
		if monthlyContribution > 0 {
			extension := int(remaining/monthlyContribution) - timelineMonths
			recommendations = append(recommendations, fmt.Sprintf("Or extend timeline by %d months", extension))
		}
	} else {
		recommendations = append(recommendations, "Goal is achievable with current contribution plan!")
	}

	switch goalType {
	case "emergency_fund":
		recommendations = append(recommendations, "Aim for 3-6 months of expenses for emergency fund")
	case "retirement":
		recommendations = append(recommendations, "Consider maximizing employer 401(k) matching first")
	}

	var monthlyShortfall float64
	if shortfall > 0 {
		monthlyShortfall = round2(shortfall)
	}

	return map[string]any{
		"goal_details": map[string]any{
			"type":            goalType,
			"target_amount":   targetAmount,
			"current_savings": currentSavings,
			"amount_needed":   remaining,
			"timeline_months": timelineMonths,
		},
		"savings_plan": map[string]any{
			"required_monthly_savings":     round2(requiredMonthly),
			"current_monthly_contribution": monthlyContribution,
			"is_achievable":                achievable,
			"monthly_shortfall":            monthlyShortfall,
		},
		"recommendations": recommendations,
	}, nil
}

// debt is one liability in a payoff plan.
type debt struct {
	name           string
	balance        float64
	interestRate   float64
	minimumPayment float64
}

func handleDebtOptimization(ctx context.Context, args map[string]any) (any, error) {
	rawDebts, ok := dispatch.SliceArg(args, "debts")
	if !ok || len(rawDebts) == 0 {
		return nil, fmt.Errorf("debts is required")
	}
	extraPayment, _ := dispatch.NumberArg(args, "extra_payment")
	strategy, ok := dispatch.StringArg(args, "strategy")
	if !ok || strategy == "" {
		strategy = "avalanche"
	}

	debts := make([]debt, 0, len(rawDebts))
	var totalDebt, totalMinimum float64
	for _, raw := range rawDebts {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("each debt must be an object")
		}
		d := debt{}
		d.name, _ = m["name"].(string)
		d.balance, _ = m["balance"].(float64)
		d.interestRate, _ = m["interest_rate"].(float64)
		d.minimumPayment, _ = m["minimum_payment"].(float64)
		debts = append(debts, d)
		totalDebt += d.balance
		totalMinimum += d.minimumPayment
	}

	switch strategy {
	case "avalanche":
		sort.SliceStable(debts, func(i, j int) bool {
			return debts[i].interestRate > debts[j].interestRate
		})
	case "snowball":
		sort.SliceStable(debts, func(i, j int) bool {
			return debts[i].balance < debts[j].balance
		})
	case "hybrid":
		// Balances under $1000 first, then the rest by descending
		// interest rate.
		sort.SliceStable(debts, func(i, j int) bool {
			return hybridKey(debts[i]) < hybridKey(debts[j])
		})
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	payoffPlan := make([]map[string]any, 0, len(debts))
	for i, d := range debts {
		priorityPayment := d.minimumPayment
		if i == 0 {
			priorityPayment += extraPayment
		}

		entry := map[string]any{
			"debt_name":        d.name,
			"balance":          d.balance,
			"interest_rate":    d.interestRate,
			"priority_payment": round2(priorityPayment),
		}
		// A zero payment never retires the balance. Flag it instead of
		// emitting a non-finite month count JSON cannot carry.
		if priorityPayment > 0 {
			entry["estimated_payoff_months"] = round1(d.balance / priorityPayment)
		} else {
			entry["estimated_payoff_months"] = nil
			entry["payoff_unreachable"] = true
		}
		payoffPlan = append(payoffPlan, entry)
	}

	return map[string]any{
		"debt_summary": map[string]any{
			"total_debt":              totalDebt,
			"total_minimum_payments":  totalMinimum,
			"extra_payment_available": extraPayment,
			"strategy_used":           strategy,
		},
		"payoff_plan": payoffPlan,
		"recommendations": []string{
			fmt.Sprintf("Focus extra payments on %s first", debts[0].name),
			"Continue minimum payments on all other debts",
			"Consider debt consolidation if rates can be improved",
		},
		"analysis_date": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// hybridKey orders debts under $1000 ahead of everything else, with the
// remaining debts by descending interest rate.
func hybridKey(d debt) float64 {
	if d.balance < 1000 {
		return -d.balance
	}
	return -d.interestRate
}

func sortedCategories(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
