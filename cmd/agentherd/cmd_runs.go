package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/agentherd/internal/manager"
	"github.com/user/agentherd/internal/types"
)

func init() {
	rootCmd.AddCommand(runsCmd, showCmd)
	runsCmd.Flags().String("session", "", "filter by session id")
	runsCmd.Flags().String("provider", "", "filter by provider")
	runsCmd.Flags().String("status", "", "filter by status")
	runsCmd.Flags().Bool("active", false, "only non-terminal runs")
	runsCmd.Flags().Int("limit", 20, "maximum rows")
	showCmd.Flags().Bool("progress", false, "include the full progress trail")
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List run history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		session, _ := cmd.Flags().GetString("session")
		provider, _ := cmd.Flags().GetString("provider")
		status, _ := cmd.Flags().GetString("status")
		active, _ := cmd.Flags().GetBool("active")
		limit, _ := cmd.Flags().GetInt("limit")

		mgr, err := buildManager(cfg)
		if err != nil {
			return err
		}

		runs := mgr.ListRuns(manager.Filter{
			SessionID:  types.SessionID(session),
			Provider:   types.Provider(provider),
			Status:     types.RunStatus(status),
			ActiveOnly: active,
			Limit:      limit,
		})
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tPROVIDER\tSTATUS\tSTARTED\tSESSION")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.RunID,
				r.Provider,
				r.Status,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.SessionID,
			)
		}
		return w.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		mgr, err := buildManager(cfg)
		if err != nil {
			return err
		}
		rec := mgr.GetRun(types.RunID(args[0]))
		if rec == nil {
			return fmt.Errorf("show %s: %w", args[0], types.ErrRunNotFound)
		}

		fmt.Fprintf(os.Stdout, "Run:        %s\n", rec.RunID)
		fmt.Fprintf(os.Stdout, "Session:    %s\n", rec.SessionID)
		fmt.Fprintf(os.Stdout, "Provider:   %s\n", rec.Provider)
		fmt.Fprintf(os.Stdout, "Status:     %s\n", rec.Status)
		fmt.Fprintf(os.Stdout, "Directory:  %s\n", rec.ResolvedWorkingDir)
		fmt.Fprintf(os.Stdout, "Bypass:     %v (requested %v)\n", rec.BypassPermission, rec.RequestedBypassPermission)
		fmt.Fprintf(os.Stdout, "Started:    %s\n", rec.StartedAt.Format("2006-01-02 15:04:05"))
		if rec.FinishedAt != nil {
			fmt.Fprintf(os.Stdout, "Finished:   %s\n", rec.FinishedAt.Format("2006-01-02 15:04:05"))
		}
		if rec.ResultSummary != "" {
			fmt.Fprintf(os.Stdout, "Result:     %s\n", rec.ResultSummary)
		}
		if rec.ErrorCode != "" || rec.ErrorMessage != "" {
			fmt.Fprintf(os.Stdout, "Error:      [%s] %s\n", rec.ErrorCode, rec.ErrorMessage)
		}
		if pi := rec.PendingInteraction; pi != nil {
			fmt.Fprintf(os.Stdout, "Waiting:    %s %s: %s\n", pi.Type, pi.InteractionID, pi.Prompt)
		}

		if withProgress, _ := cmd.Flags().GetBool("progress"); withProgress {
			fmt.Fprintln(os.Stdout)
			for _, p := range rec.Progress {
				fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", p.At.Format("15:04:05"), p.Kind, p.Message)
			}
		}
		return nil
	},
}
