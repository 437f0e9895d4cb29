package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"rideline/internal/app"
	"rideline/internal/domain"
	"rideline/internal/repo"
)

func rowCmd() *cobra.Command {
	row := &cobra.Command{Use: "row", Short: "Manage schedule rows"}
	row.AddCommand(rowAddCmd())
	row.AddCommand(rowImportCmd())
	row.AddCommand(rowListCmd())
	row.AddCommand(rowShowCmd())
	return row
}

// rowFile is one entry of an import file.
type rowFile struct {
	Date      string   `yaml:"date"`
	Time      string   `yaml:"time"`
	Group     string   `yaml:"group"`
	RouteURL  string   `yaml:"route_url"`
	RouteName string   `yaml:"route_name"`
	Leaders   []string `yaml:"leaders"`
	Location  string   `yaml:"location"`
	Address   string   `yaml:"address"`
}

func (r rowFile) row() domain.Row {
	return domain.Row{
		StartDate: r.Date,
		StartTime: r.Time,
		Group:     r.Group,
		Route:     domain.Link{URL: r.RouteURL, Name: r.RouteName},
		Leaders:   r.Leaders,
		Location:  r.Location,
		Address:   r.Address,
	}
}

func rowAddCmd() *cobra.Command {
	var in rowFile
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a row",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				row, err := ws.Engine.AddRow(ctx, in.row(), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRows([]domain.Row{row})
			})
		},
	}
	cmd.Flags().StringVar(&in.Date, "date", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.Time, "time", "", "start time (HH:MM)")
	cmd.Flags().StringVar(&in.Group, "group", "", "ride group")
	cmd.Flags().StringVar(&in.RouteURL, "route-url", "", "route URL")
	cmd.Flags().StringVar(&in.RouteName, "route-name", "", "route name")
	cmd.Flags().StringSliceVar(&in.Leaders, "leader", nil, "ride leader (repeatable)")
	cmd.Flags().StringVar(&in.Location, "location", "", "start location")
	cmd.Flags().StringVar(&in.Address, "address", "", "start address")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func rowImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Append rows from a YAML list",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var entries []rowFile
			if err := yaml.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			rows := make([]domain.Row, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, e.row())
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				added, err := ws.Engine.ImportRows(ctx, rows, viper.GetString("actor-id"))
				if len(added) > 0 {
					if perr := printRows(added); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a list of rows")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func rowListCmd() *cobra.Command {
	var f repo.RowFilters
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rows in position order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = domain.RowState(state)
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				rows, err := ws.Engine.Repo.ListRows(ctx, f)
				if err != nil {
					return err
				}
				return printRows(rows)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&f.Group, "group", "", "filter by group")
	cmd.Flags().StringVar(&f.From, "from", "", "earliest start date")
	cmd.Flags().StringVar(&f.To, "to", "", "latest start date")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func rowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|position>",
		Short: "Show one row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				row, err := ws.Engine.Repo.FindRow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(row)
			})
		},
	}
}

func printRows(rows []domain.Row) error {
	if viper.GetBool("json") {
		if rows == nil {
			rows = []domain.Row{}
		}
		return printJSON(rows)
	}
	t := newTable()
	t.AppendHeader(table.Row{"#", "Date", "Time", "Group", "Route", "Leaders", "State", "Ride"})
	for _, r := range rows {
		t.AppendRow(table.Row{r.Position, r.StartDate, r.StartTime, r.Group, r.Route.Name, strings.Join(r.Leaders, ", "), r.State, r.Ride.URL})
	}
	t.Render()
	return nil
}
