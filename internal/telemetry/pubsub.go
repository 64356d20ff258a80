package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubExporter publishes audit entries to a Google Cloud Pub/Sub topic for
// downstream consumers (warehouse loaders, alert routers). Publishing is
// fire-and-forget: a failed publish is logged, never propagated back to the
// recording path.
//
// The exporter is optional; when the project env var is unset the Core skips
// it entirely and the audit log keeps its in-memory ring only.
type PubSubExporter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
	tier   string
}

// NewPubSubExporter connects to the topic, creating it when absent.
func NewPubSubExporter(ctx context.Context, projectID, topicID, tier string, logger *slog.Logger) (*PubSubExporter, error) {
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(cctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(cctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(cctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		logger.Info("created audit export topic", "topic", topicID)
	}

	// Order within a tier so downstream replays stay coherent per service.
	topic.EnableMessageOrdering = true

	logger.Info("audit export connected", "topic", fmt.Sprintf("projects/%s/topics/%s", projectID, topicID))
	return &PubSubExporter{client: client, topic: topic, logger: logger, tier: tier}, nil
}

// Emit implements AuditSink.
func (e *PubSubExporter) Emit(entry AuditEntry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		e.logger.Error("audit export marshal failed", "action", entry.Action, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": "1.0",
			"ce-type":        "platform.audit." + entry.Action,
			"ce-source":      e.tier,
			"ce-time":        entry.At.Format(time.RFC3339Nano),
			"target_type":    entry.TargetType,
		},
		OrderingKey: e.tier,
	}

	result := e.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			e.logger.Warn("audit export publish failed", "action", entry.Action, "error", err)
		}
	}()
}

// Close stops the topic publisher and releases the client.
func (e *PubSubExporter) Close() error {
	e.topic.Stop()
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}
