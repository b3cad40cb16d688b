package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/welcomecrm/cadence/core/cadence"
	sdk "github.com/welcomecrm/cadence/sdk/client"
)

var signalTypes = []string{
	cadence.SignalTaskCompleted,
	cadence.SignalWhatsAppInbound,
	cadence.SignalMessageDelivered,
	cadence.SignalManualOverride,
	cadence.SignalCardStageChanged,
}

func newSignalCmd(opts *globalOptions) *cobra.Command {
	var (
		sig            cadence.Signal
		data           string
		idempotencyKey string
	)
	cmd := &cobra.Command{
		Use:       "signal <type>",
		Short:     "Deliver an external signal to the correlator",
		Long:      fmt.Sprintf("Deliver an external signal. Known types: %v.", signalTypes),
		Args:      cobra.ExactArgs(1),
		ValidArgs: signalTypes,
		RunE: func(cmd *cobra.Command, args []string) error {
			sig.Type = args[0]
			if sig.CardID == "" && sig.InstanceID == "" {
				return fmt.Errorf("--card or --instance is required")
			}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &sig.Data); err != nil {
					return fmt.Errorf("invalid --data json: %w", err)
				}
			}
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				return c.SendSignal(ctx, &sig, idempotencyKey)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&sig.ID, "id", "", "signal id used for deduplication")
	f.StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key header, used when --id is empty")
	f.StringVar(&sig.CardID, "card", "", "card id")
	f.StringVar(&sig.InstanceID, "instance", "", "instance id")
	f.StringVar(&sig.TaskID, "task", "", "completed task id")
	f.StringVar(&sig.Outcome, "outcome", "", "task or message outcome")
	f.StringVar(&sig.Action, "action", "", "manual override action (cancel or resume)")
	f.StringVar(&sig.Reason, "reason", "", "manual override reason")
	f.StringVar(&sig.StageID, "stage", "", "new stage id for card_stage_changed")
	f.StringVar(&sig.PipelineID, "pipeline", "", "pipeline id for card_stage_changed")
	f.StringVar(&data, "data", "", "extra signal data as a json object")
	return cmd
}
