package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher publishes committed audit records to NATS for downstream
// consumers (dashboards, the off-chain agent's feedback loop). Publishing is
// best-effort: the record is already durable in Postgres by the time it
// reaches this loop, so a failed publish is logged and dropped.
// Subjects follow the pattern: range.ledger.audit.{action}
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan Record
	log       zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan Record, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, inputChan: inputChan, log: log}
}

// Run drains the input channel until it closes or ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, rec); err != nil {
				p.log.Warn().Err(err).Int64("sequence", rec.Sequence).Msg("audit publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	subject := fmt.Sprintf("range.ledger.audit.%s", rec.Action)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// ConnectNATS dials NATS and returns a JetStream handle.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init: %w", err)
	}
	return nc, js, nil
}

// EnsureAuditStream creates the outbound audit stream.
func EnsureAuditStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "RANGE_LEDGER_AUDIT",
		Subjects:  []string{"range.ledger.audit.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create audit stream: %w", err)
	}
	return nil
}
