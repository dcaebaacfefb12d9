package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("refresh", false, "bypass the cached snapshot and probe now")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider availability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		refresh, _ := cmd.Flags().GetBool("refresh")

		svc := buildDiscovery(cfg)
		snap, err := svc.Availability(cmd.Context(), refresh)
		if err != nil {
			return fmt.Errorf("check availability: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tINSTALLED\tPATH\tTRUST\tVERSION\tAUTH")
		for _, e := range snap.All() {
			trustCol := string(e.BinaryTrust)
			if e.TrustReason != "" && e.BinaryTrust != "trusted" {
				trustCol = fmt.Sprintf("%s (%s)", e.BinaryTrust, e.TrustReason)
			}
			fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%s\t%s\n",
				e.Provider,
				e.Installed,
				e.BinaryPath,
				trustCol,
				e.Version,
				e.AuthStatus,
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "\nChecked at %s (cache TTL %s).\n",
			snap.CheckedAt.Format("15:04:05"), snap.TTL)
		return nil
	},
}
