package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rideline/internal/app"
	"rideline/internal/domain"
	"rideline/internal/retry"
	ridelinesdk "rideline/sdk/go"
)

func retryCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "retry",
		Short: "Inspect and drive the retry queue",
		Long:  "Remote changes that failed for a transient reason wait here. Items are retried every 5 minutes during their first hour, then hourly, and dropped (with a notice) once they are 48 hours old. Run 'rl retry process' from cron, or let 'rl serve' do it.",
	}
	r.AddCommand(retryListCmd())
	r.AddCommand(retryStatsCmd())
	r.AddCommand(retryProcessCmd())
	r.AddCommand(retryTickCmd())
	return r
}

func retryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued retries, next due first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Queue.Items(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if items == nil {
						items = []domain.QueueItem{}
					}
					return printJSON(items)
				}
				index, err := ws.Engine.Repo.RowIndex(ctx)
				if err != nil {
					return err
				}
				printQueueItems(items, index, time.Now())
				return nil
			})
		},
	}
}

func printQueueItems(items []domain.QueueItem, index map[string]int, now time.Time) {
	t := newTable()
	t.AppendHeader(table.Row{"ID", "Operation", "Row", "Age", "Attempts", "Next", "Last error"})
	for _, it := range items {
		row := "-"
		if pos, ok := index[it.RowID]; ok {
			row = fmt.Sprint(pos)
		}
		lastErr := ""
		if it.LastError != nil {
			lastErr = *it.LastError
		}
		t.AppendRow(table.Row{
			it.ID, it.OperationType, row,
			it.Age(now).Truncate(time.Minute).String(),
			it.AttemptCount,
			it.NextRetryAt.Local().Format("Jan 02 15:04"),
			lastErr,
		})
	}
	t.Render()
}

func retryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the retry queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				stats, err := ws.Engine.Queue.Statistics(ctx, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				printStats(stats)
				return nil
			})
		},
	}
}

func printStats(s retry.Stats) {
	t := newTable()
	t.AppendRows([]table.Row{
		{"Total", s.Total},
		{"Due now", s.DueNow},
		{"Under 1h", s.ByAge.UnderHour},
		{"1h to 24h", s.ByAge.UnderDay},
		{"Over 24h", s.ByAge.DayOrMore},
		{"Attempts so far", s.Attempts},
	})
	if s.NextDue != nil {
		t.AppendRow(table.Row{"Next due", s.NextDue.Local().Format(time.RFC3339)})
	}
	t.Render()
}

func retryProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one pass over due retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.ProcessRetries(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Fprintf(os.Stdout, "retry: %d succeeded, %d rescheduled, %d expired\n", len(res.Succeeded), len(res.Rescheduled), len(res.Expired))
				return nil
			})
		},
	}
}

// retryTickCmd asks a running `rl serve` to process its queue, for setups
// where the timer lives outside the server process.
func retryTickCmd() *cobra.Command {
	var serverURL, token string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Trigger a retry pass on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = viper.GetString("token")
			}
			if token == "" {
				return errors.New("--token or RIDELINE_TOKEN is required")
			}
			client := ridelinesdk.New(serverURL, token)
			pass, err := client.ProcessRetries(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(pass)
			}
			fmt.Fprintf(os.Stdout, "retry: %d succeeded, %d rescheduled, %d expired\n", len(pass.Succeeded), len(pass.Rescheduled), len(pass.Expired))
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "rideline server URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (see rl serve token)")
	return cmd
}
