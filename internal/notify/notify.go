// Package notify delivers pipeline events. Delivery is best effort:
// callers log a failed Notify and move on, so no implementation here
// may block automation for long or panic.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/openclip/clipd/internal/pipeline"
)

// LogNotifier writes events to the structured log. It is the default
// provider and the fallback when no external channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event pipeline.Event) error {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("title", event.Title),
		zap.String("message", event.Message),
		zap.Time("at", event.At),
	}
	if event.URL != "" {
		fields = append(fields, zap.String("url", event.URL))
	}
	switch event.Kind {
	case pipeline.EventFailure, pipeline.EventHealth:
		n.logger.Warn("notification", fields...)
	default:
		n.logger.Info("notification", fields...)
	}
	return nil
}

// PubSubNotifier publishes events as JSON messages to a Google Cloud
// Pub/Sub topic. Publishing is asynchronous; the client batches and
// retries in the background.
type PubSubNotifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubNotifier connects to the topic and verifies it exists, so a
// misconfigured project or topic fails at startup rather than on the
// first event. Authentication uses Application Default Credentials.
func NewPubSubNotifier(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSubNotifier, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("checking pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &PubSubNotifier{client: client, topic: topic, logger: logger}, nil
}

func (n *PubSubNotifier) Notify(ctx context.Context, event pipeline.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	// Fire and forget: the returned result is not awaited, the client
	// delivers in the background.
	n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind": string(event.Kind),
		},
	})
	return nil
}

// Close flushes pending publishes and releases the client.
func (n *PubSubNotifier) Close() error {
	n.topic.Stop()
	return n.client.Close()
}
