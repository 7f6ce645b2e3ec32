package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/followlytics/follower-service/internal/contracts/event"
	"github.com/followlytics/follower-service/internal/domain"
	"github.com/followlytics/follower-service/internal/pkg/logger"
	"github.com/followlytics/follower-service/internal/reconcile"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	supportedVersion = 1

	rkScanRequested    = "scan.requested"
	rkTargetRegistered = "target.registered"
)

// ScanRunner is the slice of the service the consumer drives.
type ScanRunner interface {
	RunScan(ctx context.Context, traceID, idempotencyKey, handle string, requesterID uuid.UUID, role string, maxFollowers int) (domain.ScanSummary, error)
}

type Consumer struct {
	rabbitURL string
	exchange  string
	repo      domain.FollowerRepository
	scans     ScanRunner
}

func NewConsumer(rabbitURL, exchange string, repo domain.FollowerRepository, scans ScanRunner) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		repo:      repo,
		scans:     scans,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()

	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	q, err := ch.QueueDeclare(
		"follower-service.commands",
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	for _, rk := range []string{rkScanRequested, rkTargetRegistered} {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
	}

	// Scans are slow; keep prefetch low so one consumer doesn't hoard work.
	if err := ch.Qos(2, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	deliveries, err := ch.Consume(q.Name, "follower-service", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	go func() {
		defer func() {
			_ = ch.Close()
			_ = conn.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				if err := c.handleDelivery(ctx, d); err != nil {
					_ = d.Nack(false, true) // transient => requeue
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Str("queue", q.Name).Msg("consumer started")
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", d.RoutingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(d.Body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		return nil // poison => drop
	}

	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		return nil
	}

	// message_id: prefer envelope.message_id, then AMQP MessageId, else hash fallback
	msgID := strings.TrimSpace(env.MessageID)
	if msgID == "" {
		msgID = strings.TrimSpace(d.MessageId)
	}
	if msgID == "" {
		h := sha256.Sum256(append([]byte(d.RoutingKey+"\n"), d.Body...))
		msgID = "hash:" + hex.EncodeToString(h[:])
	}

	traceID := strings.TrimSpace(env.TraceID)
	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", traceID).
		Logger()

	switch d.RoutingKey {
	case rkScanRequested:
		return c.handleScanRequested(ctx, msgID, traceID, env.Payload, log)
	case rkTargetRegistered:
		return c.handleTargetRegistered(ctx, msgID, env.Payload, log)
	default:
		log.Warn().Msg("unknown routing key; ignoring")
		return nil
	}
}

// handleScanRequested runs one pass. Dedupe is NOT done via
// processed_messages here: a scan spans a network fetch, so marking the
// message before the work would swallow retries after a mid-pass crash.
// Instead the message id doubles as the commit idempotency key; a redelivery
// of a fully-committed pass lands on the fence and no-ops.
func (c *Consumer) handleScanRequested(ctx context.Context, msgID, traceID string, raw json.RawMessage, log zerolog.Logger) error {
	var p event.ScanRequestedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Msg("invalid payload json; dropping")
		return nil
	}
	target := reconcile.NormalizeHandle(p.Account())
	if target == "" {
		log.Warn().Msg("missing target account; dropping")
		return nil
	}

	maxFollowers := 0
	if p.MaxFollowers != nil {
		maxFollowers = *p.MaxFollowers
	}

	// The bus is internal: producers are trusted, so the pass runs with a
	// privileged role and no actor.
	_, err := c.scans.RunScan(ctx, traceID, msgID, target, uuid.Nil, "admin", maxFollowers)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTargetNotFound),
		errors.Is(err, domain.ErrTargetArchived):
		log.Warn().Err(err).Str("target", target).Msg("scan request not runnable; dropping")
		return nil
	case errors.Is(err, domain.ErrScanInProgress):
		log.Info().Str("target", target).Msg("scan already running; requeueing")
		return err
	default:
		log.Error().Err(err).Str("target", target).Msg("scan failed (requeue)")
		return err
	}
}

// handleTargetRegistered provisions the stats row atomically with the
// dedupe fence.
func (c *Consumer) handleTargetRegistered(ctx context.Context, msgID string, raw json.RawMessage, log zerolog.Logger) error {
	var p event.TargetRegisteredPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Msg("invalid payload json; dropping")
		return nil
	}
	target := reconcile.NormalizeHandle(p.Account())
	if target == "" {
		log.Warn().Msg("missing target account; dropping")
		return nil
	}

	const handlerName = "target_registered"

	// Strong path: atomic "dedupe fence + side effects" in the SAME DB tx
	type inboxTx interface {
		ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error)
		InitTargetStatsTx(ctx context.Context, tx pgx.Tx, target string) error
	}
	if r, ok := any(c.repo).(inboxTx); ok {
		processed, err := r.ProcessOnce(ctx, msgID, handlerName, func(tx pgx.Tx) error {
			return r.InitTargetStatsTx(ctx, tx, target)
		})
		if err != nil {
			log.Error().Err(err).Msg("processing failed (requeue)")
			return err
		}
		if !processed {
			log.Info().Msg("duplicate delivery ignored")
		}
		return nil
	}

	// Compatibility path: the provisioning insert is itself idempotent.
	return c.repo.InitTargetStats(ctx, target)
}
