package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/ingest"
)

// HeadSubscription relays head announcements published on a channel as JSON
// encoded block refs. It implements ingest.Subscription.
type HeadSubscription struct {
	c       *Client
	channel string
	logger  *slog.Logger
}

func (c *Client) HeadSubscription(channel string, logger *slog.Logger) *HeadSubscription {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadSubscription{c: c, channel: channel, logger: logger.With("component", "redis", "channel", channel)}
}

// Run subscribes until ctx is done or the subscription breaks.
func (s *HeadSubscription) Run(ctx context.Context, n *ingest.Notifier) error {
	pubsub := s.c.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", s.channel)
			}
			ref, err := DecodeHead(msg.Payload)
			if err != nil {
				s.logger.Warn("Ignoring malformed head", "payload", msg.Payload, "error", err)
				continue
			}
			n.Notify(ref)
		}
	}
}

// PublishHead announces a new head on channel.
func (c *Client) PublishHead(ctx context.Context, channel string, ref domain.BlockRef) error {
	payload, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// DecodeHead parses a head announcement.
func DecodeHead(payload string) (domain.BlockRef, error) {
	var ref domain.BlockRef
	if err := json.Unmarshal([]byte(payload), &ref); err != nil {
		return ref, fmt.Errorf("invalid head payload: %w", err)
	}
	if ref.Hash == "" {
		return ref, fmt.Errorf("invalid head payload: missing hash")
	}
	return ref, nil
}
