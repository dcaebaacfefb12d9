package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/user/agentherd/internal/manager"
	"github.com/user/agentherd/internal/nlparse"
	"github.com/user/agentherd/internal/types"
)

func init() {
	rootCmd.AddCommand(respondCmd, cancelCmd)
	cancelCmd.Flags().String("reason", "cancelled by user", "reason recorded on the run")
}

var respondCmd = &cobra.Command{
	Use:   "respond <interaction-id> <reply>",
	Short: "Answer a pending permission request or question",
	Long: `Answer a pending interaction with free text. The reply is classified the
same way chat replies are: "yes"/"allow" approves once, "always allow"
approves for the session, "no"/"deny" refuses, anything else is passed
through as an answer. A cancel-type reply cancels the whole run.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		mgr, err := buildManager(cfg)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		id := types.InteractionID(args[0])
		resp := nlparse.Parse(args[1])
		if resp.Decision == types.DecisionCancel {
			runID, ok := runWithInteraction(mgr, id)
			if !ok {
				return fmt.Errorf("respond %s: %w", id, types.ErrInteractionNotFound)
			}
			sum, err := mgr.Cancel(cmd.Context(), runID, "cancelled at prompt")
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Run %s cancelled.\n", sum.RunID)
			return nil
		}

		sum, err := mgr.Respond(cmd.Context(), id, resp)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Decision %s sent to run %s (now %s).\n", resp.Decision, sum.RunID, sum.Status)
		return nil
	},
}

// runWithInteraction finds the active run holding the given interaction.
func runWithInteraction(mgr *manager.Manager, id types.InteractionID) (types.RunID, bool) {
	for _, sum := range mgr.ListRuns(manager.Filter{ActiveOnly: true}) {
		if sum.PendingInteractionID == id {
			return sum.RunID, true
		}
	}
	return "", false
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		reason, _ := cmd.Flags().GetString("reason")

		mgr, err := buildManager(cfg)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		sum, err := mgr.Cancel(cmd.Context(), types.RunID(args[0]), reason)
		if err != nil {
			return err
		}
		if sum.Status.Terminal() {
			fmt.Fprintf(os.Stdout, "Run %s already %s.\n", sum.RunID, sum.Status)
		} else {
			fmt.Fprintf(os.Stdout, "Cancellation requested for run %s.\n", sum.RunID)
		}
		return nil
	},
}
