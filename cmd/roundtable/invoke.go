// invoke.go implements the "roundtable invoke" command running one invocation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hupe1980/roundtable"
)

var invokeFlags struct {
	runID     string
	toolID    string
	situation string
	context   string
	topics    []string
}

var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Run one invocation and print the response",
	Long: `Run a single invocation against the configured model and ledger and print
the response as JSON. The exit status is non-zero unless the run succeeded or
was replayed.`,
	Example: `  roundtable invoke --tool standup --situation "Sprint 14 standup" \
    --topic yesterday --topic today --topic blockers`,
	RunE: runInvoke,
}

func init() {
	f := invokeCmd.Flags()
	f.StringVar(&invokeFlags.runID, "run-id", "", "Run identifier (default: a random UUID)")
	f.StringVar(&invokeFlags.toolID, "tool", "", "Tool identifier resolved in the contract catalog")
	f.StringVar(&invokeFlags.situation, "situation", "", "Situation under discussion")
	f.StringVar(&invokeFlags.context, "context", "", "Additional free-form context")
	f.StringArrayVar(&invokeFlags.topics, "topic", nil, "Topic to discuss (repeatable)")
	_ = invokeCmd.MarkFlagRequired("tool")
	_ = invokeCmd.MarkFlagRequired("situation")
}

func runInvoke(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	runID := invokeFlags.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	resp := a.rt.Invoke(ctx, roundtable.Request{
		RunID:     runID,
		ToolID:    invokeFlags.toolID,
		Situation: invokeFlags.situation,
		Context:   invokeFlags.context,
		Topics:    invokeFlags.topics,
	})
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}

	switch resp.Status {
	case roundtable.StatusSuccess, roundtable.StatusReplay:
		return nil
	default:
		return fmt.Errorf("run %s finished with status %s", resp.RunID, resp.Status)
	}
}
