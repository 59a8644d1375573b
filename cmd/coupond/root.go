package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "coupond",
	Short: "Quota-limited coupon issuance with single-use redemption",
	Long: `coupond issues signed coupon tokens under a global quota and a per-owner quota,
both enforced atomically on a shared counter store (Redis), and guarantees each
token is redeemed at most once.

Configuration comes from an optional YAML file (--config) overridden by
COUPON_* environment variables.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (YAML); empty means defaults + environment")
}
