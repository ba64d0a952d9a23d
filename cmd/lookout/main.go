// Command lookout is the operator CLI for lookoutd. Every command talks to
// the daemon's REST API; the daemon is the only writer of the store and the
// audit log.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/tripwire/lookout/internal/client"
	"github.com/tripwire/lookout/internal/config"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	addr  string
	token string
	json  bool
}

func (g *globals) client() *client.Client {
	var opts []client.Option
	if g.token != "" {
		opts = append(opts, client.WithToken(g.token))
	}
	return client.New(g.addr, opts...)
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "lookout",
		Short: "Inspect and contain persistence items through lookoutd",
		Long: `lookout queries a running lookoutd over its REST API.

Examples:
  lookout scan                          # Scan every category now
  lookout scan --category launchAgent   # Scan one category
  lookout changes --unacknowledged      # Review unseen changes
  lookout disable launchDaemon com.example.updater
  lookout extend launchDaemon com.example.updater --by 2h
  lookout release launchDaemon com.example.updater
  lookout watch                         # Follow events live`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.addr, "addr", envOr("LOOKOUT_ADDR", config.DefaultAPIAddr),
		"lookoutd API address (env LOOKOUT_ADDR)")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("LOOKOUT_TOKEN"),
		"bearer token for the API (env LOOKOUT_TOKEN)")
	root.PersistentFlags().BoolVar(&g.json, "json", false,
		"Output as JSON")

	root.AddCommand(
		newHealthCmd(g),
		newScanCmd(g),
		newSnapshotsCmd(g),
		newSnapshotCmd(g),
		newDiffCmd(g),
		newPruneCmd(g),
		newChangesCmd(g),
		newAckCmd(g),
		newBaselineCmd(g),
		newApplyCmd(g, client.OpContain, "Disable persistence and block network access of an item"),
		newApplyCmd(g, client.OpDisable, "Disable the persistence mechanism of an item"),
		newApplyCmd(g, client.OpBlock, "Block network access of an item's executable"),
		newApplyCmd(g, client.OpRelease, "Revert every containment of an item"),
		newExtendCmd(g),
		newStatusCmd(g),
		newActionsCmd(g),
		newRulesCmd(g),
		newAuditCmd(g),
		newWatchCmd(g),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "lookout: %v\n", err)
		os.Exit(1)
	}
}
