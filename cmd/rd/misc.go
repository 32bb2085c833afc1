package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/deploy"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/fanout"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/version"
)

func newLogsCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "logs <rule>",
		Short: "Show the latest log events of a rule's evaluation function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.store().Read(args[0])
			if err != nil {
				return err
			}
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			events, err := deploy.RuleLogs(cmd.Context(), sess.Clients.Logs, d, n)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(w, "No log events found.")
				return nil
			}
			for _, e := range events {
				fmt.Fprintf(w, "%s  %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", deploy.DefaultLogEvents, "Number of log events to show")
	return cmd
}

func newCreateRegionSetCmd(_ *app) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "create-region-set",
		Short: "Write a region file with the default region sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := fanout.WriteRegionSets(path, fanout.DefaultRegionSets()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Region sets written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "output-file", "o", fanout.DefaultRegionFile, "Region file to write")
	return cmd
}

func newVersionCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.Info())
		},
	}
}
