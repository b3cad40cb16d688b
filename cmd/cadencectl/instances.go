package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/welcomecrm/cadence/core/cadence"
	sdk "github.com/welcomecrm/cadence/sdk/client"
)

func newStartCmd(opts *globalOptions) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "start <card_id> <template_id>",
		Short: "Start a cadence for a card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				return c.StartCadence(ctx, args[0], args[1], source)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "origin recorded on the instance (default operator)")
	return cmd
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <instance_id>",
		Short: "Cancel an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				return c.CancelInstance(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

type controlFunc func(c *sdk.Client, ctx context.Context, id string) (*cadence.Instance, error)

func newControlCmd(opts *globalOptions, use, short string, fn controlFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <instance_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				return fn(c, ctx, args[0])
			})
		},
	}
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <instance_id>",
		Short: "Show one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				return c.GetInstance(ctx, args[0])
			})
		},
	}
}

func newInstancesCmd(opts *globalOptions) *cobra.Command {
	var q sdk.InstanceQuery
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				return c.ListInstances(ctx, q)
			})
		},
	}
	cmd.Flags().StringVar(&q.CardID, "card", "", "filter by card id")
	cmd.Flags().StringVar(&q.TemplateID, "template", "", "filter by template id")
	cmd.Flags().StringVar(&q.Status, "status", "", "filter by status")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "max results")
	return cmd
}

func newEventsCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events [instance_id]",
		Short: "Show the event log of an instance, or recent events across all instances",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				if len(args) == 1 {
					return c.GetInstanceEvents(ctx, args[0], limit)
				}
				return c.RecentEvents(ctx, limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max events")
	return cmd
}

func newQueueCmd(opts *globalOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "queue [instance_id]",
		Short: "Show queue items of an instance, or the queue by status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				if len(args) == 1 {
					return c.GetInstanceQueue(ctx, args[0])
				}
				return c.ListQueue(ctx, status, limit)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "queue status (default pending)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items")
	return cmd
}

func newTemplatesCmd(opts *globalOptions) *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "templates [template_id]",
		Short: "List templates, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				if len(args) == 1 {
					return c.GetTemplate(ctx, args[0], version)
				}
				return c.ListTemplates(ctx)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "template version (default latest)")
	return cmd
}

func newDeadLettersCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				return c.ListDeadLetters(ctx, limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine dependency checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *sdk.Client) (any, error) {
				return c.GetStatus(ctx)
			})
		},
	}
}
