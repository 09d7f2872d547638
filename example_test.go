package weft_test

import (
	"context"
	"fmt"
	"log"
	"time"

	weft "github.com/weftworks/weft"
)

// Example shows the smallest useful fabric: one action, one template,
// one execution.
func Example() {
	fab := weft.NewFabric(weft.DefaultConfig())
	defer fab.Close(context.Background())

	fab.Engine.RegisterAction(weft.FuncAction("greet", func(ctx context.Context, req weft.ActionRequest) (map[string]any, error) {
		return map[string]any{"greeting": "hello, " + req.Params["name"].(string)}, nil
	}))

	weft.NewTemplate("greeter").
		Step("say", "greet").
		MustRegister(fab.Engine)

	id, err := fab.Engine.Create("greeter", weft.CreateOptions{
		Params: map[string]any{"name": "ada"},
	})
	if err != nil {
		log.Fatal(err)
	}
	snap, err := fab.Engine.Execute(context.Background(), id)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(snap.Steps["say"].Result["greeting"])
	// Output: hello, ada
}

// ExampleNewTemplate builds a diamond-shaped DAG with a retry policy.
func ExampleNewTemplate() {
	tpl := weft.NewTemplate("settle-trade").
		Step("validate", "validate-order").
		StepAfter("reserve", "reserve-funds", "validate").
		StepAfter("book", "book-trade", "reserve").
		Checkpoint("notify", "notify-parties", "book").
		Retry(weft.Retries(3).BaseDelay(time.Second).Policy()).
		Template()

	fmt.Println(tpl.Name, len(tpl.Steps))
	// Output: settle-trade 4
}

// ExampleBus_Subscribe wires a correlation rule that emits a derived
// event when a payment follows its order.
func ExampleBus_Subscribe() {
	b := weft.NewBus(weft.BusConfig{
		MaxHistory:        100,
		EnableCorrelation: true,
	})
	defer b.Close(context.Background())

	settled := make(chan weft.Event, 1)
	if _, err := b.Subscribe("order.settled", func(ctx context.Context, ds []weft.Delivery) error {
		for _, d := range ds {
			settled <- d.Event
		}
		return nil
	}, weft.SubscribeOptions{}); err != nil {
		log.Fatal(err)
	}

	err := b.AddCorrelationRule(weft.CorrelationRule{
		Name:    "settlement",
		Pattern: []string{"order.placed", "payment.captured"},
		Action: func(matched []weft.Event) *weft.EventDraft {
			return &weft.EventDraft{
				Type:        "order.settled",
				AggregateID: matched[0].AggregateID,
			}
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	opts := weft.PublishOptions{AggregateID: "ord-1"}
	if _, err := b.Publish(ctx, "order.placed", map[string]any{"amount": 100.0}, opts); err != nil {
		log.Fatal(err)
	}
	if _, err := b.Publish(ctx, "payment.captured", map[string]any{"amount": 100.0}, opts); err != nil {
		log.Fatal(err)
	}

	ev := <-settled
	fmt.Println(ev.Type)
	// Output: order.settled
}

// ExampleMesh_Send registers a service behind a custom adapter and calls
// it through the circuit breaker.
func ExampleMesh_Send() {
	m := weft.NewMesh(weft.MeshConfig{DefaultTimeout: time.Second}, nil)
	defer m.Close(context.Background())

	m.RegisterAdapter("loop", weft.AdapterFunc(func(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
		return map[string]any{"status": "booked"}, nil
	}))
	if err := m.Register(weft.ServiceDescriptor{Name: "ledger", Protocol: "loop"}); err != nil {
		log.Fatal(err)
	}

	result, err := m.Send(context.Background(), "ledger", map[string]any{"ref": "r-1"}, weft.SendOptions{})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(result["status"], m.Breaker("ledger"))
	// Output: booked closed
}
