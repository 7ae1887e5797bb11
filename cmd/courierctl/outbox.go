package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"courier/internal/bootstrap"
	"courier/internal/outbox/models"
	"courier/internal/outbox/relay"
	id "courier/pkg/domain"
)

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect and repair the outbox"}
	cmd.AddCommand(outboxStatsCmd())
	cmd.AddCommand(outboxFailedCmd())
	cmd.AddCommand(outboxRequeueCmd())
	cmd.AddCommand(outboxDrainCmd())
	return cmd
}

type outboxStats struct {
	Counts           map[models.Status]int64 `json:"counts"`
	OldestPendingAge string                  `json:"oldest_pending_age,omitempty"`
}

func outboxStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show event counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInfra(cmd.Context(), func(ctx context.Context, infra *bootstrap.Infra) error {
				counts, err := infra.Events.CountByStatus(ctx)
				if err != nil {
					return err
				}
				oldest, err := infra.Events.OldestPending(ctx)
				if err != nil {
					return err
				}
				stats := outboxStats{Counts: counts}
				if !oldest.IsZero() {
					stats.OldestPendingAge = time.Since(oldest).Round(time.Second).String()
				}
				return output(cmd.OutOrStdout(), stats, func(w io.Writer) {
					tw := table.NewWriter()
					tw.SetOutputMirror(w)
					tw.AppendHeader(table.Row{"Status", "Events"})
					for _, s := range models.Statuses() {
						tw.AppendRow(table.Row{s, counts[s]})
					}
					if stats.OldestPendingAge != "" {
						tw.AppendFooter(table.Row{"oldest pending", stats.OldestPendingAge})
					}
					tw.Render()
				})
			})
		},
	}
}

func outboxFailedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List events that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInfra(cmd.Context(), func(ctx context.Context, infra *bootstrap.Infra) error {
				events, err := infra.Events.ListFailed(ctx, limit)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), events, func(w io.Writer) {
					tw := table.NewWriter()
					tw.SetOutputMirror(w)
					tw.AppendHeader(table.Row{"ID", "Type", "Dedupe Key", "Retries", "Updated", "Last Error"})
					for _, e := range events {
						tw.AppendRow(table.Row{
							e.ID, e.Type, e.DedupeKey, e.RetryCount,
							e.UpdatedAt.UTC().Format(time.RFC3339), e.LastError,
						})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list")
	return cmd
}

func outboxRequeueCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "requeue [event-id...]",
		Short: "Return failed events to pending with a fresh retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("pass event ids or --all, not both")
			}
			ids := make([]id.EventID, 0, len(args))
			for _, a := range args {
				eventID, err := id.ParseEventID(a)
				if err != nil {
					return err
				}
				ids = append(ids, eventID)
			}
			return withInfra(cmd.Context(), func(ctx context.Context, infra *bootstrap.Infra) error {
				var (
					n   int64
					err error
				)
				if all {
					n, err = infra.Events.RequeueFailed(ctx, time.Now())
				} else {
					n, err = infra.Events.Requeue(ctx, ids, time.Now())
				}
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), map[string]int64{"requeued": n}, func(w io.Writer) {
					fmt.Fprintf(w, "requeued %d event(s)\n", n)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "requeue every failed event")
	return cmd
}

func outboxDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver due events until none are left",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInfra(cmd.Context(), func(ctx context.Context, infra *bootstrap.Infra) error {
				prod, err := infra.Producer()
				if err != nil {
					return err
				}
				var pub relay.Publisher
				if prod != nil {
					defer prod.Close() //nolint:errcheck // flushes on exit
					pub = prod
				}
				registry, err := infra.Registry(pub)
				if err != nil {
					return err
				}
				n, err := bootstrap.Drain(ctx, infra.Poller(registry))
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), map[string]int{"claimed": n}, func(w io.Writer) {
					fmt.Fprintf(w, "claimed %d event(s)\n", n)
				})
			})
		},
	}
}
