package mqtt_test

import (
	"context"
	"fmt"
	"time"

	"github.com/zlseong/vmg/pkg/log"
	"github.com/zlseong/vmg/pkg/mqtt"
)

// ExampleClient shows the standard lifecycle of the MQTT component:
// configure, start, subscribe, await the connection, publish, disconnect.
func ExampleClient() {
	cfg := &mqtt.ClientConfig{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "vmg-example-001",
		Username:       "admin",
		Password:       "public",
		KeepAlive:      60,
		ConnectTimeout: 5 * time.Second,
		// The gateway keeps sessions so commands queued while offline are
		// delivered after reconnect.
		CleanStart: false,
	}

	client, err := mqtt.NewClient(cfg)
	if err != nil {
		log.Error(err, "Failed to create MQTT client")
		return
	}

	// Start returns immediately; the connection (and reconnects) happen in
	// the background.
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		log.Error(err, "Failed to start MQTT client")
		return
	}

	// Handlers run on their own goroutines; keep them short.
	handler := func(ctx context.Context, topic string, payload []byte) {
		fmt.Printf("Received message on topic %s: %s\n", topic, string(payload))
	}

	// Subscriptions survive reconnects; the client re-subscribes itself.
	if err := client.Subscribe(ctx, "oem/+/command", 1, handler); err != nil {
		log.Error(err, "Failed to subscribe")
	}

	if err := client.AwaitConnection(ctx); err != nil {
		log.Error(err, "Connection timed out")
		return
	}

	payload := []byte(`{"device_id": "vmg-001", "event": "wake_up"}`)
	if err := client.Publish(ctx, "oem/KMHXX11111111111/status", 1, false, payload); err != nil {
		log.Error(err, "Failed to publish message")
	}

	client.Disconnect(ctx)
}
