// Command nmsdemo wires the session/consumer/producer runtime to an
// in-memory transport and runs three scenarios sequentially:
//  1. queue point-to-point send/receive with AutoAcknowledge
//  2. a transacted send that is committed
//  3. a delivery across a simulated transport interrupt and resume
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThorTech/apache-nms/config"
	"github.com/ThorTech/apache-nms/consumer"
	"github.com/ThorTech/apache-nms/producer"
	"github.com/ThorTech/apache-nms/session"
	"github.com/ThorTech/apache-nms/tracker"
	"github.com/ThorTech/apache-nms/transport"
	"github.com/ThorTech/apache-nms/wire"
)

var destURI = flag.String("destination", "queue://orders?consumer.prefetchSize=10", "destination URI")

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	cfg := config.Default()
	fake := transport.NewFake()
	fake.SetReplyFunc(func(cmd wire.Command) (wire.Command, error) { return nil, nil })

	connID := wire.NewConnectionID()
	state := tracker.New(&wire.ConnectionInfo{ConnectionID: connID})
	seq := &wire.SequenceGenerator{}

	log.Println("=== Scenario 1: queue send/receive, AutoAcknowledge ===")
	if err := queueSendReceive(ctx, cfg, fake, state, seq, connID); err != nil {
		log.Fatalf("scenario 1 failed: %v", err)
	}

	log.Println("=== Scenario 2: transacted send, committed before delivery ===")
	if err := transactedSend(ctx, cfg, fake, state, seq, connID); err != nil {
		log.Fatalf("scenario 2 failed: %v", err)
	}

	log.Println("=== Scenario 3: transport interrupt clears in-flight dispatches ===")
	if err := transportInterrupt(ctx, cfg, fake, state, seq, connID); err != nil {
		log.Fatalf("scenario 3 failed: %v", err)
	}

	log.Println("all scenarios completed")
}

func newSession(fake *transport.Fake, state *tracker.ConnectionState, seq *wire.SequenceGenerator, connID wire.ConnectionID, opts session.Options) (*session.Session, error) {
	sessionID := wire.SessionID{ConnectionID: connID, Value: seq.Next()}
	if _, err := state.AddSession(&wire.SessionInfo{SessionID: sessionID}); err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}
	return session.New(sessionID, fake, state, seq, opts, nil), nil
}

func queueSendReceive(ctx context.Context, cfg *config.Config, fake *transport.Fake, state *tracker.ConnectionState, seq *wire.SequenceGenerator, connID wire.ConnectionID) error {
	dest, uriOpts, err := config.ParseDestination(*destURI)
	if err != nil {
		return fmt.Errorf("parse destination: %w", err)
	}

	sessOpts := cfg.ApplySessionOptions(uriOpts, session.Options{})
	sess, err := newSession(fake, state, seq, connID, sessOpts)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	consumerOpts := cfg.ApplyConsumerOptions(dest, false, false, uriOpts, consumer.Options{})
	c, err := sess.CreateConsumer(ctx, dest, wire.AutoAcknowledge, consumerOpts)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	received := make(chan string, 1)
	if err := sess.SetListener(c.ID(), func(d *consumer.Delivery) error {
		received <- string(d.Message.Payload)
		return nil
	}); err != nil {
		return fmt.Errorf("set listener: %w", err)
	}

	p, err := sess.CreateProducer(ctx, dest, producer.Options{Persistent: true})
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}

	payload := []byte(`{"order_id":"order-1","item":"widget"}`)
	if err := p.Send(ctx, payload, producer.SendOptions{Timeout: 5 * time.Second}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	fake.Deliver(&wire.MessageDispatch{
		ConsumerID: c.ID(),
		Message: &wire.Message{
			MessageID:   wire.MessageID{ProducerID: p.ID(), Sequence: 1},
			Destination: dest,
			Payload:     payload,
			Persistent:  true,
			Timestamp:   time.Now(),
		},
	})

	select {
	case body := <-received:
		log.Printf("  received: %s", body)
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for delivery")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func transactedSend(ctx context.Context, cfg *config.Config, fake *transport.Fake, state *tracker.ConnectionState, seq *wire.SequenceGenerator, connID wire.ConnectionID) error {
	dest, uriOpts, err := config.ParseDestination("queue://orders")
	if err != nil {
		return err
	}

	sessOpts := cfg.ApplySessionOptions(uriOpts, session.Options{Transacted: true})
	sess, err := newSession(fake, state, seq, connID, sessOpts)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	p, err := sess.CreateProducer(ctx, dest, producer.Options{Persistent: true})
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}

	if _, err := sess.Transaction().Begin(ctx); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := p.Send(ctx, []byte("committed-payload"), producer.SendOptions{}); err != nil {
		return fmt.Errorf("send in transaction: %w", err)
	}
	if err := sess.Transaction().Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Println("  transaction committed")
	return nil
}

func transportInterrupt(ctx context.Context, cfg *config.Config, fake *transport.Fake, state *tracker.ConnectionState, seq *wire.SequenceGenerator, connID wire.ConnectionID) error {
	dest, uriOpts, err := config.ParseDestination(*destURI)
	if err != nil {
		return fmt.Errorf("parse destination: %w", err)
	}

	sessOpts := cfg.ApplySessionOptions(uriOpts, session.Options{})
	sess, err := newSession(fake, state, seq, connID, sessOpts)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)
	fake.SetInterruptListener(sess)

	consumerOpts := cfg.ApplyConsumerOptions(dest, false, false, uriOpts, consumer.Options{})
	c, err := sess.CreateConsumer(ctx, dest, wire.AutoAcknowledge, consumerOpts)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	received := make(chan string, 1)
	if err := sess.SetListener(c.ID(), func(d *consumer.Delivery) error {
		received <- string(d.Message.Payload)
		return nil
	}); err != nil {
		return fmt.Errorf("set listener: %w", err)
	}

	p, err := sess.CreateProducer(ctx, dest, producer.Options{Persistent: true})
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}

	deliver := func(payload []byte) {
		fake.Deliver(&wire.MessageDispatch{
			ConsumerID: c.ID(),
			Message: &wire.Message{
				MessageID:   wire.MessageID{ProducerID: p.ID(), Sequence: seq.Next()},
				Destination: dest,
				Payload:     payload,
				Persistent:  true,
				Timestamp:   time.Now(),
			},
		})
	}

	deliver([]byte("pre-interrupt-payload"))
	select {
	case body := <-received:
		log.Printf("  received before interrupt: %s", body)
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for pre-interrupt delivery")
	}

	fake.Interrupt()
	log.Println("  transport interrupted; consumer in-flight state cleared")

	fake.Resume()
	log.Println("  transport resumed; tracked state replayed to the broker")

	deliver([]byte("post-resume-payload"))
	select {
	case body := <-received:
		log.Printf("  received after resume: %s", body)
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for post-resume delivery")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
