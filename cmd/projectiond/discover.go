package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plaenen/projections/pkg/catchup"
)

var (
	discoverToken string
	discoverAll   bool
	discoverPage  int
)

var discoverCmd = &cobra.Command{
	Use:   "discover [object-type...]",
	Short: "Page through the objects a catch-up run has to visit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			discovery, err := a.discovery(args)
			if err != nil {
				return err
			}
			pageSize := discoverPage
			if pageSize <= 0 {
				pageSize = a.cfg.PageSize
			}

			if discoverAll {
				n := 0
				for item, err := range discovery.StreamWorkItems(ctx, pageSize) {
					if err != nil {
						return err
					}
					fmt.Printf("%s\t%s\n", item.ObjectName, item.ObjectID)
					n++
				}
				fmt.Printf("# %d work item(s)\n", n)
				return nil
			}

			var token *string
			if discoverToken != "" {
				token = &discoverToken
			}
			page, err := discovery.DiscoverWorkItems(ctx, token, pageSize)
			if err != nil {
				return err
			}
			for _, item := range page.Items {
				fmt.Printf("%s\t%s\n", item.ObjectName, item.ObjectID)
			}
			if page.HasMore && page.ContinuationToken != nil {
				fmt.Printf("# next: --token %s\n", *page.ContinuationToken)
			}
			return nil
		})
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate [object-type...]",
	Short: "Count the objects a catch-up run has to visit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			discovery, err := a.discovery(args)
			if err != nil {
				return err
			}
			total, err := discovery.EstimateTotalWorkItems(ctx)
			if err != nil {
				return err
			}
			fmt.Println(total)
			return nil
		})
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverToken, "token", "", "continuation token from a previous page")
	discoverCmd.Flags().BoolVar(&discoverAll, "all", false, "stream every page")
	discoverCmd.Flags().IntVar(&discoverPage, "page-size", 0, "items per page (default PROJECTIOND_PAGE_SIZE)")
	rootCmd.AddCommand(discoverCmd, estimateCmd)
}

func (a *app) discovery(args []string) (*catchup.DiscoveryService, error) {
	objectTypes, err := a.objectTypes(args)
	if err != nil {
		return nil, err
	}
	return catchup.NewDiscoveryService(a.events, objectTypes,
		catchup.WithDiscoveryLogger(a.logger),
		catchup.WithDiscoveryMetrics(a.telemetry.Metrics),
	), nil
}
