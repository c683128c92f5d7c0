package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

func newProductsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "products",
		Short: "Inspect products",
	}

	var (
		organizationID string
		archived       bool
		limit          int
	)
	list := &cobra.Command{
		Use:     "list",
		Short:   "List products",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := a.api()
			if err != nil {
				return err
			}
			if organizationID == "" {
				organizationID = a.cfg.PolarOrganizationID
			}

			params := polar.ListProductsParams{OrganizationID: organizationID, Limit: limit}
			if cmd.Flags().Changed("archived") {
				params.IsArchived = &archived
			}
			products, err := api.ListProducts(cmd.Context(), params)
			if err != nil {
				return fmt.Errorf("failed to list products: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tRECURRING\tPRICES")
			for _, p := range products.Items {
				recurring := "-"
				if p.IsRecurring {
					recurring = p.RecurringInterval
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, recurring, formatPrices(p.Prices))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&organizationID, "organization", "", "organization id (default POLAR_ORGANIZATION_ID)")
	list.Flags().BoolVar(&archived, "archived", false, "filter on archived state")
	list.Flags().IntVar(&limit, "limit", 0, "page size")

	cmd.AddCommand(list)
	return cmd
}

func formatPrices(prices []polar.ProductPrice) string {
	if len(prices) == 0 {
		return "-"
	}
	out := ""
	for i, p := range prices {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%d.%02d %s", p.PriceAmount/100, p.PriceAmount%100, p.PriceCurrency)
	}
	return out
}
