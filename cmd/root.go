package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "order-payments",
	Short: "Order payments microservice",
	Long:  "Settles order payments through VNPay, MoMo, PayPal and Stripe, reconciles provider webhooks and returns, and runs transaction ledger jobs.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
