package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rideline/internal/app"
	"rideline/internal/engine"
	"rideline/internal/gate"
	"rideline/internal/server"
)

func rideCmd() *cobra.Command {
	ride := &cobra.Command{
		Use:   "ride",
		Short: "Act on rides for selected rows",
		Long:  "Each command checks the selected rows, shows a summary and asks before sending anything. Rows with errors are skipped. Rows are selected by position (as shown by 'rl row list') or id.",
	}
	for _, c := range []struct {
		cmd   gate.Command
		short string
	}{
		{gate.CommandSchedule, "Create rides on the remote site"},
		{gate.CommandCancel, "Mark rides as cancelled"},
		{gate.CommandReinstate, "Undo a cancellation"},
		{gate.CommandUnschedule, "Delete rides from the remote site"},
		{gate.CommandUpdate, "Push row changes to existing rides"},
	} {
		ride.AddCommand(rideCommand(c.cmd, c.short))
	}
	return ride
}

func rideCommand(command gate.Command, short string) *cobra.Command {
	var rows []string
	cmd := &cobra.Command{
		Use:   string(command) + " [row...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := refsFrom(args, rows)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				out, err := ws.Engine.Run(ctx, engine.RunOptions{
					Command: command,
					Refs:    refs,
					Force:   viper.GetBool("force"),
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				res := server.NewRunCommandResponse(string(command), out, nil)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Aborted {
					return nil
				}
				fmt.Fprintf(os.Stdout, "%s: %d applied, %d failed, %d skipped\n", command, len(res.Applied), len(res.Failed), len(res.Blocked))
				for _, f := range res.Failed {
					if f.QueuedRetry != "" {
						fmt.Fprintf(os.Stdout, "  row %d queued for retry (%s)\n", f.Position, f.QueuedRetry)
					}
				}
				if len(res.Failed) > 0 {
					return fmt.Errorf("%d row(s) failed", len(res.Failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&rows, "rows", nil, "rows by position or id (comma separated)")
	return cmd
}
