package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/recall/pkg/server"
	"github.com/jmylchreest/recall/pkg/service"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				go svc.RunMaintenance(cmd.Context(), a.cfg.Pending.Interval)
				return server.NewServer(svc, addr, a.log).Start(cmd.Context())
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: server.addr setting)")
	return cmd
}

func newAdminCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Maintenance operations",
	}

	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the keyword and vector indexes from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Engine.Reindex(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reindexed %d keyword and %d vector documents\n", res.Keyword, res.Vector)
				return nil
			})
		},
	}

	retryPending := &cobra.Command{
		Use:   "retry-pending",
		Short: "Embed records stored while the embedding provider was unavailable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Engine.RetryPending(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Embedded %d of %d, %d still pending\n", res.Embedded, res.Attempted, res.Remaining)
				return nil
			})
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Drop history older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Engine.PruneHistory(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d changes and %d deleted records\n", res.Changes, res.Records)
				return nil
			})
		},
	}

	cmd.AddCommand(reindex, retryPending, prune)
	return cmd
}
