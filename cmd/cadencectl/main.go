package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	sdk "github.com/welcomecrm/cadence/sdk/client"
)

const (
	defaultGateway = "http://localhost:9094"
	defaultTimeout = 15 * time.Second
)

type globalOptions struct {
	gateway string
	apiKey  string
	timeout time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "cadencectl",
		Short:         "Operate the cadence engine",
		Long:          "cadencectl starts, controls and inspects follow-up cadences through the engine HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.gateway, "gateway", envOr("CADENCE_GATEWAY", defaultGateway), "engine base url (CADENCE_GATEWAY)")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", envOr("CADENCE_API_KEY", ""), "api key (CADENCE_API_KEY)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "request timeout")

	root.AddCommand(
		newStartCmd(opts),
		newCancelCmd(opts),
		newControlCmd(opts, "pause", "Pause an active or waiting instance", (*sdk.Client).PauseInstance),
		newControlCmd(opts, "resume", "Resume a paused instance", (*sdk.Client).ResumeInstance),
		newControlCmd(opts, "retry", "Re-queue the failed step of a failed instance", (*sdk.Client).RetryInstance),
		newGetCmd(opts),
		newInstancesCmd(opts),
		newEventsCmd(opts),
		newQueueCmd(opts),
		newTemplatesCmd(opts),
		newSignalCmd(opts),
		newDeadLettersCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

// run calls fn with a client and a request-scoped context, then prints the result.
func (o *globalOptions) run(cmd *cobra.Command, fn func(ctx context.Context, c *sdk.Client) (any, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	c := newClient(o.gateway, o.apiKey)
	c.HTTPClient.Timeout = o.timeout
	result, err := fn(ctx, c)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func newClient(gateway, apiKey string) *sdk.Client {
	return sdk.New(strings.TrimRight(gateway, "/"), apiKey)
}

func printJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
