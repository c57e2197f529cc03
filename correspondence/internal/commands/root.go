// Package commands implements corrctl, the operator CLI of the
// correspondence service. Every command talks to the service's admin
// endpoints, so it works against both the in-memory and the Postgres mode.
package commands

import (
	"context"
	"os"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/httpclient"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8090"

// options are the persistent flags shared by every command.
type options struct {
	server  string
	token   string
	output  string
	timeout time.Duration
}

func (o *options) client() *httpclient.Client {
	return httpclient.New("correspondence", httpclient.Config{
		BaseURL: o.server,
		Timeout: o.timeout,
		Token:   o.token,
	}, logging.Nop())
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// NewRootCommand builds the corrctl command tree.
func NewRootCommand() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "corrctl",
		Short: "Correspondence service operator CLI",
		Long: `corrctl inspects and repairs a running correspondence service.

List and replay background jobs, trigger repair scans, check the periodic
timers and seed development fixtures.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("CORRCTL_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&o.server, "server", server, "service base URL (env CORRCTL_SERVER)")
	root.PersistentFlags().StringVar(&o.token, "token", os.Getenv("CORRCTL_TOKEN"), "bearer token (env CORRCTL_TOKEN)")
	root.PersistentFlags().StringVarP(&o.output, "output", "o", "table", "output format: table, json, yaml")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newJobsCommand(o),
		newRepairCommand(o),
		newTimersCommand(o),
		newSeedCommand(o),
	)
	return root
}
