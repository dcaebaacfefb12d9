package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/agentherd/internal/manager"
	"github.com/user/agentherd/internal/nlparse"
	"github.com/user/agentherd/internal/types"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("provider", "codex", "provider to run (codex or claude)")
	runCmd.Flags().String("session", "", "session id (defaults to a fresh id)")
	runCmd.Flags().String("dir", "", "working directory (relative paths resolve against cwd)")
	runCmd.Flags().Bool("create-dir", false, "create the working directory if missing")
	runCmd.Flags().Bool("bypass-permissions", false, "request permission bypass (subject to operator policy)")
	runCmd.Flags().Bool("detach", false, "start the run and exit without tailing it")
}

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Start a run and follow it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		providerStr, _ := cmd.Flags().GetString("provider")
		sessionStr, _ := cmd.Flags().GetString("session")
		dir, _ := cmd.Flags().GetString("dir")
		createDir, _ := cmd.Flags().GetBool("create-dir")
		bypass, _ := cmd.Flags().GetBool("bypass-permissions")
		detach, _ := cmd.Flags().GetBool("detach")

		if sessionStr == "" {
			sessionStr = string(types.NewSessionID())
		}

		mgr, err := buildManager(cfg)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		sum, err := mgr.StartRun(cmd.Context(), manager.StartRunInput{
			SessionID:                 types.SessionID(sessionStr),
			Provider:                  types.Provider(providerStr),
			Prompt:                    args[0],
			WorkingDirectory:          dir,
			CreateIfMissing:           createDir,
			RequestedBypassPermission: bypass,
			Origin:                    "cli",
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Run %s started (%s, session %s).\n", sum.RunID, sum.Provider, sum.SessionID)
		if detach {
			return nil
		}
		return tailRun(cmd.Context(), mgr, sum.RunID)
	},
}

// tailRun follows a run to completion, printing progress as it arrives and
// prompting on stdin whenever the run waits for a decision. Free-text
// replies are classified; "cancel"-type replies cancel the run.
func tailRun(ctx context.Context, mgr *manager.Manager, id types.RunID) error {
	stdin := bufio.NewScanner(os.Stdin)
	printed := 0
	var answered types.InteractionID

	for {
		rec := mgr.GetRun(id)
		if rec == nil {
			return fmt.Errorf("run %s: %w", id, types.ErrRunNotFound)
		}

		for _, p := range rec.Progress[printed:] {
			fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", p.At.Format("15:04:05"), p.Kind, p.Message)
		}
		printed = len(rec.Progress)

		if rec.Status.Terminal() {
			printOutcome(rec)
			return nil
		}

		if pi := rec.PendingInteraction; pi != nil && pi.InteractionID != answered {
			fmt.Fprintf(os.Stdout, "\n%s asks: %s\n", rec.Provider, pi.Prompt)
			if len(pi.Options) > 0 {
				fmt.Fprintf(os.Stdout, "Options: %s\n", strings.Join(pi.Options, ", "))
			}
			fmt.Fprint(os.Stdout, "> ")
			if !stdin.Scan() {
				_, err := mgr.Cancel(ctx, id, "input closed")
				return err
			}
			resp := nlparse.Parse(stdin.Text())
			if resp.Decision == types.DecisionCancel {
				if _, err := mgr.Cancel(ctx, id, "cancelled at prompt"); err != nil {
					return err
				}
				continue
			}
			if _, err := mgr.Respond(ctx, pi.InteractionID, resp); err != nil {
				return err
			}
			answered = pi.InteractionID
			continue
		}

		select {
		case <-ctx.Done():
			_, err := mgr.Cancel(context.Background(), id, "interrupted")
			if err != nil {
				return err
			}
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func printOutcome(rec *types.RunRecord) {
	switch rec.Status {
	case types.RunCompleted:
		fmt.Fprintf(os.Stdout, "\nRun completed: %s\n", rec.ResultSummary)
	case types.RunFailed:
		fmt.Fprintf(os.Stdout, "\nRun failed (%s): %s\n", rec.ErrorCode, rec.ErrorMessage)
	case types.RunCancelled:
		fmt.Fprintf(os.Stdout, "\nRun cancelled: %s\n", rec.ErrorMessage)
	default:
		fmt.Fprintf(os.Stdout, "\nRun %s.\n", rec.Status)
	}
}
