package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/mam"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Node       string
	NodeBinary string
	ScriptDir  string
	Timeout    time.Duration
	Broker     string
	Gateway    string
	Verbose    bool
}

func (o *RootOptions) transport() *mam.HelperTransport {
	return mam.NewHelperTransport(mam.HelperConfig{
		NodeBinary: o.NodeBinary,
		ScriptDir:  o.ScriptDir,
		Endpoint:   o.Node,
		Timeout:    o.Timeout,
	}, mam.ExecRunner)
}

func (o *RootOptions) topicPrefix() string { return "mamlink/" + o.Gateway }

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "mamctl",
		Short: "Inspect MAM streams and drive a mamlink gateway",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init()
			if opts.Verbose {
				logging.SetLevel(slog.LevelDebug)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Node, "node", "https://iotanode.be:443", "IOTA node endpoint")
	cmd.PersistentFlags().StringVar(&opts.NodeBinary, "node-binary", "node", "Node.js binary running the MAM helper")
	cmd.PersistentFlags().StringVar(&opts.ScriptDir, "script-dir", "/usr/share/mamlink/helper", "directory of the MAM helper scripts")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "helper call timeout")
	cmd.PersistentFlags().StringVar(&opts.Broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	cmd.PersistentFlags().StringVar(&opts.Gateway, "gateway", "gateway1", "name of the gateway")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewSeedCommand())
	cmd.AddCommand(NewItemCommand(opts))
	cmd.AddCommand(NewRefreshCommand(opts))
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
