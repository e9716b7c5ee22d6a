package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/l2hub/internal/access"
	"github.com/MarcoPoloResearchLab/l2hub/internal/hub"
	"github.com/MarcoPoloResearchLab/l2hub/internal/schedule"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print ledger tallies, tally discrepancies, schedule cursors and voter grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			app, err := newApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			audit, err := app.hub.RequestAudit(cmd.Context(), cliCaller)
			if err != nil {
				return err
			}
			scheduler, err := schedule.NewScheduler(schedule.Config{
				Database: app.db,
				Location: appConfig.Location,
				Logger:   logger.Named("schedule"),
			})
			if err != nil {
				return err
			}
			cursors, err := scheduler.Cursors(cmd.Context())
			if err != nil {
				return err
			}
			holders, err := app.grants.Holders(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), audit, cursors, holders)
		},
	}
}

func printStatus(out io.Writer, audit hub.Audit, cursors []schedule.Cursor, holders []access.Grant) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "SERVER\tVOTES\tDAYS")
	for _, tally := range audit.Tallies {
		fmt.Fprintf(writer, "%s\t%d\t%d\n", tally.ServerID, tally.Total, len(tally.ByDay))
	}
	fmt.Fprintln(writer)
	if len(audit.Discrepancies) == 0 {
		fmt.Fprintln(writer, "tallies consistent")
	} else {
		fmt.Fprintln(writer, "SERVER\tCACHED\tCOUNTED")
		for _, discrepancy := range audit.Discrepancies {
			fmt.Fprintf(writer, "%s\t%d\t%d\n", discrepancy.ServerID, discrepancy.Cached, discrepancy.Counted)
		}
	}
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "JOB\tLAST FIRED")
	for _, cursor := range cursors {
		fmt.Fprintf(writer, "%s\t%s\n", cursor.Action, cursor.LastFiredDay)
	}
	fmt.Fprintln(writer)
	fmt.Fprintf(writer, "voter grants: %d\n", len(holders))
	return writer.Flush()
}
