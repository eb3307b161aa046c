package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var contractsJSON bool

var contractsCmd = &cobra.Command{
	Use:   "contracts",
	Short: "List the contract catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := loadCatalog(cfg.Catalog)
		if err != nil {
			return err
		}
		if contractsJSON {
			return printJSON(cmd.OutOrStdout(), cat.List())
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOOL\tVERSION\tMAX COST\tMAX TOKENS\tCOST/TOKEN")
		for _, c := range cat.List() {
			fmt.Fprintf(w, "%s\t%d\t$%.2f\t%d\t$%.6f\n",
				c.ToolID, c.Version, c.MaxCost.Dollars(), c.MaxTokens, c.CostPerToken.Dollars())
		}
		return w.Flush()
	},
}

func init() {
	contractsCmd.Flags().BoolVar(&contractsJSON, "json", false, "Print JSON instead of a table")
}
