package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trellis",
	Short: "Trellis — cross-domain personal assistant tool server",
	Long:  "Trellis serves domain-scoped assistant tools (financial, family, lifestyle, professional, home) with shared knowledge storage, temporal caching, cross-domain pattern detection, and API cost tracking.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/trellis.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
