package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"xrpl-buy-alerts/internal/app"
	"xrpl-buy-alerts/internal/ledger"
)

var (
	simulateIssuer   string
	simulateCurrency string
	simulateSpent    float64
	simulateAmount   float64
	simulateAccount  string
	simulateSend     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-buy",
	Short: "Dispatch a synthetic buy to the token's subscribers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSpent <= 0 || simulateAmount <= 0 {
			return errors.New("--spent and --amount must be greater than zero")
		}
		asset, err := ledger.NewAsset(simulateIssuer, simulateCurrency)
		if err != nil {
			return err
		}

		return getApp().SimulateBuy(cmd.Context(), app.SimulateOptions{
			Asset:       asset,
			Spent:       decimal.NewFromFloat(simulateSpent),
			AssetAmount: decimal.NewFromFloat(simulateAmount),
			Account:     simulateAccount,
			Send:        simulateSend,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateIssuer, "issuer", "", "Token issuer address")
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "", "Token currency code")
	simulateCmd.Flags().Float64Var(&simulateSpent, "spent", 0, "XRP spent by the buyer")
	simulateCmd.Flags().Float64Var(&simulateAmount, "amount", 0, "Tokens bought")
	simulateCmd.Flags().StringVar(&simulateAccount, "account", "", "Buyer account shown in the alert")
	simulateCmd.Flags().BoolVar(&simulateSend, "send", false, "Deliver through Telegram instead of logging")
	_ = simulateCmd.MarkFlagRequired("issuer")
	_ = simulateCmd.MarkFlagRequired("currency")
}
