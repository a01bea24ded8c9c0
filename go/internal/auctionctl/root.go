// Package auctionctl is the admin command line for a running auction server.
package auctionctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/auctionapi"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server  string
	timeout time.Duration
	client  *auctionapi.Client
}

// NewRootCommand builds the auctionctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "auctionctl",
		Short:         "Administer sealed-bid auction rounds",
		Long:          `auctionctl talks to an auction server to open, extend, finalize and delete rounds and to resolve tiebreakers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.client = auctionapi.NewClient(&http.Client{Timeout: opts.timeout}, opts.server)
		},
	}

	server := os.Getenv("AUCTIONCTL_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "auction server base URL (env AUCTIONCTL_SERVER)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-call timeout")

	root.AddCommand(newRoundCommand(opts), newTiebreakerCommand(opts), newBulkCommand(opts))
	return root
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(name, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return id, nil
}

// idFlag registers a required uuid flag and returns its parsed value lazily.
func idFlag(cmd *cobra.Command, name, usage string) func() (uuid.UUID, error) {
	var raw string
	cmd.Flags().StringVar(&raw, name, "", usage)
	_ = cmd.MarkFlagRequired(name)
	return func() (uuid.UUID, error) { return parseID(name, raw) }
}
