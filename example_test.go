package mqlight_test

import (
	"context"
	"fmt"
	"time"

	"github.com/vitalvas/mqlight"
	"github.com/vitalvas/mqlight/mqlighttest"
)

func Example() {
	broker := mqlighttest.NewBroker()
	defer broker.Close()

	ctx := context.Background()
	client, err := mqlight.New("amqp://localhost", append(broker.ClientOptions(), mqlight.WithClientID("example"))...)
	if err != nil {
		fmt.Println(err)
		return
	}
	if err := client.Start(ctx); err != nil {
		fmt.Println(err)
		return
	}
	defer client.Stop(ctx) //nolint:errcheck

	if err := client.Subscribe(ctx, "sports/#"); err != nil {
		fmt.Println(err)
		return
	}
	if err := client.Send(ctx, "sports/football", []byte("goal")); err != nil {
		fmt.Println(err)
		return
	}

	d, err := client.Receive(ctx, "sports/#", mqlight.ReceiveTimeout(time.Second))
	if err != nil || d == nil {
		fmt.Println("no message", err)
		return
	}
	fmt.Printf("%s: %s\n", d.Topic, d.Data)
	// Output: sports/football: goal
}

func ExampleClient_Receive_manualConfirm() {
	broker := mqlighttest.NewBroker()
	defer broker.Close()

	ctx := context.Background()
	client, _ := mqlight.New("amqp://localhost", append(broker.ClientOptions(), mqlight.WithClientID("worker"))...)
	if err := client.Start(ctx); err != nil {
		fmt.Println(err)
		return
	}
	defer client.Stop(ctx) //nolint:errcheck

	_ = client.Subscribe(ctx, "jobs",
		mqlight.SubscribeQoS(mqlight.QoSAtLeastOnce),
		mqlight.SubscribeAutoConfirm(false),
	)
	_, _ = broker.Publish("jobs", []byte("resize image 42"), 0)

	d, err := client.Receive(ctx, "jobs", mqlight.ReceiveTimeout(time.Second))
	if err != nil || d == nil {
		fmt.Println("no message", err)
		return
	}
	fmt.Println(string(d.Data), d.NeedsConfirm())

	if err := d.Confirm(ctx); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(d.NeedsConfirm())
	// Output:
	// resize image 42 true
	// false
}

func ExampleParseConfig() {
	cfg, err := mqlight.ParseConfig([]byte(`
service: amqp://mq.example.com
client_id: orders_worker
timeouts:
  start: 8s
`))
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(cfg.Service, cfg.ClientID, cfg.Timeouts.Start)
	// Output: amqp://mq.example.com orders_worker 8s
}
