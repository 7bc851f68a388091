package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// formatLine prints channel states as "value unit" and everything else as
// compact JSON, or as is when the payload is not JSON.
func formatLine(topic string, payload []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return string(payload)
	}
	if strings.HasSuffix(topic, "/state") && strings.Contains(topic, "/channels/") {
		value, _ := obj["value"].(string)
		if unit, ok := obj["unit"].(string); ok && unit != "" {
			value += " " + unit
		}
		return fmt.Sprintf("%s (%v)", value, obj["type"])
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return string(payload)
	}
	return string(out)
}

func main() {
	var broker, topic string
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&topic, "topic", "mamlink/#", "MQTT topic filter")
	flag.Parse()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("mamlink-monitor-%d", time.Now().UnixNano()))
	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		retained := ""
		if msg.Retained() {
			retained = " [retained]"
		}
		fmt.Printf("%s%s %s\n", msg.Topic(), retained, formatLine(msg.Topic(), msg.Payload()))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", broker, topic)

	if token := client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}

	// Wait for interrupt
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
	<-ctx.Done()
	client.Disconnect(200)
}
