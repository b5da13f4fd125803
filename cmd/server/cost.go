package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/crosslogic/usage-meter/internal/billing"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	costModel  string
	costInput  int64
	costOutput int64
	costPrices string
	costList   bool
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Price a call, or list the price table",
	Example: `  usage-meter cost --model claude-sonnet-4-5-20250929 --input 1000 --output 500
  usage-meter cost --list --prices prices.toml`,
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := costPrices
		if path == "" {
			path = os.Getenv("PRICE_TABLE_FILE")
		}
		prices, err := loadPrices(path)
		if err != nil {
			return err
		}

		if costList {
			renderPriceTable(cmd, prices)
			return nil
		}

		if costModel == "" {
			return fmt.Errorf("--model is required unless --list is set")
		}
		cost, err := prices.Cost(costModel, costInput, costOutput)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  (exact %s, %d input + %d output tokens on %s)\n",
			billing.FormatCost(cost), strconv.FormatFloat(cost, 'f', -1, 64), costInput, costOutput, costModel)
		return nil
	},
}

func init() {
	costCmd.Flags().StringVarP(&costModel, "model", "m", "", "model identifier")
	costCmd.Flags().Int64VarP(&costInput, "input", "i", 0, "input tokens")
	costCmd.Flags().Int64VarP(&costOutput, "output", "o", 0, "output tokens")
	costCmd.Flags().StringVar(&costPrices, "prices", "", "TOML price table (default: built-in list or PRICE_TABLE_FILE)")
	costCmd.Flags().BoolVar(&costList, "list", false, "print the price table")
	rootCmd.AddCommand(costCmd)
}

func renderPriceTable(cmd *cobra.Command, prices *billing.PriceTable) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Model", "Input $/MTok", "Output $/MTok"})
	table.SetBorder(true)
	table.SetCaption(true, "price list "+prices.Version())

	for _, model := range prices.Models() {
		p, err := prices.Price(model)
		if err != nil {
			continue
		}
		table.Append([]string{
			model,
			fmt.Sprintf("%.2f", p.InputPerToken*1_000_000),
			fmt.Sprintf("%.2f", p.OutputPerToken*1_000_000),
		})
	}
	table.Render()
}
