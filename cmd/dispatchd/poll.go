package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/daemon"
)

func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll <type>",
		Short: "run a single poll on demand and print its result",
		Long: `poll triggers one of the fixed-order polls outside the regular cycle:

  orphan-recovery
  closed-unmerged-reconciliation
  inbox
  worker-availability
  workflow-task
  plan-auto-complete

steward-trigger has no standalone entry point; it only runs as part of
the inbox poll's triage dispatch.`,
		Args: cobra.ExactArgs(1),
		RunE: runPoll,
	}
	return cmd
}

func runPoll(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	pollType := daemon.PollType(args[0])

	var result daemon.PollResult
	switch pollType {
	case daemon.PollOrphanRecovery:
		result = a.daemon.RecoverOrphanedAssignmentsSerialized(ctx)
	case daemon.PollClosedUnmergedReconcile:
		result = a.daemon.ReconcileClosedUnmergedTasks(ctx)
	case daemon.PollInbox:
		result = a.daemon.PollInboxes(ctx)
	case daemon.PollWorkerAvailability:
		result = a.daemon.PollWorkerAvailability(ctx)
	case daemon.PollWorkflowTask:
		result = a.daemon.PollWorkflowTasks(ctx)
	case daemon.PollPlanAutoComplete:
		result = a.daemon.PollPlanAutoComplete(ctx)
	default:
		return fmt.Errorf("unknown poll type %q", args[0])
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
