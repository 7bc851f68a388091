package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"github.com/fisaks/mamlink/internal/ledger"
	"github.com/fisaks/mamlink/internal/mam"
	"github.com/fisaks/mamlink/internal/messaging"
)

func NewFetchCommand(opts *RootOptions) *cobra.Command {
	var mode, key string
	var follow, sync bool
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "fetch <root>",
		Short: "Read messages of a stream starting at root",
		Long: `Read the message attached at root and print it with the next root.

With --follow the command keeps reading along the stream, waiting
--every between attempts when nothing new is attached.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := mam.ParseMode(mode)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			t := opts.transport()
			root := args[0]
			cur := mam.NewCursor(root, m, key)
			for {
				res, err := cur.Fetch(ctx, t, sync)
				if err != nil {
					return err
				}
				if res != nil {
					out := map[string]any{"root": root, "nextRoot": res.NextRoot, "payload": res.Payload}
					if recs, err := mam.DecodeBatch(res.Payload); err == nil {
						out["records"] = recs
					}
					if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
						return err
					}
					root = res.NextRoot
				}
				if !follow {
					return nil
				}
				if res != nil {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(every):
				}
			}
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "public", "stream mode (public|private|restricted)")
	cmd.Flags().StringVar(&key, "key", "", "side key of a restricted stream")
	cmd.Flags().BoolVar(&sync, "sync", false, "wait for the message instead of returning what is attached")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep reading along the stream")
	cmd.Flags().DurationVar(&every, "every", 10*time.Second, "delay between empty reads with --follow")
	return cmd
}

func NewPublishCommand(opts *RootOptions) *cobra.Command {
	var seed, mode, key, item, topic, state string
	var start int

	cmd := &cobra.Command{
		Use:          "publish",
		Short:        "Publish one item state to a stream",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := mam.ParseMode(mode)
			if err != nil {
				return err
			}
			if item == "" {
				return errors.New("--item is required")
			}
			if seed == "" {
				if seed, err = ledger.NewSeed(); err != nil {
					return err
				}
			}
			payload, err := mam.EncodeBatch([]mam.DataRecord{{Name: item, Topic: topic, State: state, Time: time.Now()}})
			if err != nil {
				return err
			}
			w := mam.NewWriter(seed, start, m, key)
			res, err := w.Publish(cmd.Context(), opts.transport(), payload)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "stream seed (generated when empty)")
	cmd.Flags().IntVar(&start, "start", mam.NoStart, "message index of the seed, -1 when unknown")
	cmd.Flags().StringVar(&mode, "mode", "public", "stream mode (public|private|restricted)")
	cmd.Flags().StringVar(&key, "key", "", "side key of a restricted stream")
	cmd.Flags().StringVar(&item, "item", "", "item name (required)")
	cmd.Flags().StringVar(&topic, "topic", "", "item topic")
	cmd.Flags().StringVar(&state, "state", "", "item state")
	return cmd
}

func NewSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Generate a random seed, also usable as a restricted key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := ledger.NewSeed()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), seed)
			return err
		},
	}
}

func NewItemCommand(opts *RootOptions) *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:          "item <name> <state>",
		Short:        "Send an item state change to the gateway",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(messaging.ItemUpdate{State: args[1], Topic: topic})
			if err != nil {
				return err
			}
			return publishOnce(opts, "items/"+args[0]+"/state", payload)
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "item topic carried in the stream record")
	return cmd
}

func NewRefreshCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "refresh <thing> <channel>",
		Short:        "Ask a thing to re-report a channel and fetch now",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return publishOnce(opts, "things/"+args[0]+"/channels/"+args[1]+"/cmd", []byte("REFRESH"))
		},
	}
}

func publishOnce(opts *RootOptions, rel string, payload []byte) error {
	mqttOpts := mqtt.NewClientOptions().AddBroker(opts.Broker)
	mqttOpts.SetClientID(fmt.Sprintf("mamctl-%d", time.Now().UnixNano()))
	client := mqtt.NewClient(mqttOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect: %w", token.Error())
	}
	defer client.Disconnect(250)

	topic := opts.topicPrefix() + "/" + rel
	token := client.Publish(topic, byte(messaging.AtLeastOnce), false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("MQTT publish: %w", token.Error())
	}
	fmt.Printf("Sent %s to %s\n", payload, topic)
	return nil
}
