package messaging_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/51f0x/personal-kanban/messaging"
	"github.com/51f0x/personal-kanban/messaging/adapter/memory"
)

type taskCaptured struct {
	TaskID string `json:"taskId"`
	Title  string `json:"title"`
}

// A job that fails is redelivered until its handler succeeds.
func ExampleClient_Consume() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := messaging.NewClientBuilder().
		WithTransportInstance(memory.NewTransport(memory.Defaults())).
		WithDefaultMaxAttempts(3).
		WithDefaultBackoff(messaging.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}).
		Build()
	if err != nil {
		fmt.Println(err)
		return
	}
	defer func() { _ = client.Close(context.Background()) }()

	kinds := messaging.NewKinds()
	messaging.MustRegisterKind[taskCaptured](kinds, "TaskCaptured")

	done := make(chan taskCaptured, 1)
	attempts := 0
	sub, err := client.Consume(ctx, "analysis", func(ctx context.Context, env *messaging.Envelope) error {
		attempts++
		if attempts == 1 {
			return errors.New("store busy")
		}
		v, err := kinds.Decode(client.Codec(), env.Kind, env.Payload)
		if err != nil {
			return err
		}
		done <- v.(taskCaptured)
		return nil
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer sub.Close()

	env, _ := client.NewEnvelope("TaskCaptured", taskCaptured{TaskID: "t1", Title: "write docs"})
	if err := client.Enqueue(ctx, "analysis", env, messaging.WithIdempotencyKey("capture-t1")); err != nil {
		fmt.Println(err)
		return
	}

	select {
	case got := <-done:
		fmt.Printf("%s %q after %d attempts\n", got.TaskID, got.Title, attempts)
	case <-ctx.Done():
		fmt.Println("timed out")
	}
	// Output: t1 "write docs" after 2 attempts
}
