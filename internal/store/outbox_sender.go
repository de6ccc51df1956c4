package store

import (
	"context"
	"log/slog"
	"time"
)

const (
	outboxBaseBackoff = 10 * time.Second
	outboxMaxBackoff  = 15 * time.Minute
)

// OutboxSendFunc performs the delivery of one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender drains the outbox: due messages are claimed in batches and handed to
// the send func; failures are rescheduled with exponential backoff until the repo
// gives up after MaxOutboxAttempts.
type OutboxSender struct {
	repo           OutboxRepo
	send           OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	batchSize      int
}

// NewOutboxSender creates an OutboxSender. A non-positive pollInterval means 5s.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		send:           send,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		batchSize:      10,
	}
}

// outboxBackoff is the delay before retrying a message that has failed attempts times:
// 10s, 20s, 40s and so on, capped at outboxMaxBackoff.
func outboxBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := outboxBaseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= outboxMaxBackoff {
			return outboxMaxBackoff
		}
	}
	return d
}

// RecoverStaleMessages puts messages a crashed process left in sending state back in
// the queue. Call it once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(time.Now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run delivers due messages every poll interval until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.DeliverDue(ctx, time.Now())
		}
	}
}

// DeliverDue claims one batch of messages due at now and delivers them. It returns
// the number delivered successfully.
func (s *OutboxSender) DeliverDue(ctx context.Context, now time.Time) int {
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.batchSize)
	if err != nil {
		slog.Error("OutboxSender.DeliverDue: claim failed", "error", err)
		return 0
	}

	delivered := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.DeliverDue: delivering", "id", msg.ID, "phone", msg.PhoneNumber, "kind", msg.Kind, "attempts", msg.Attempts)
		if err := s.send(ctx, msg); err != nil {
			retryAt := now.Add(outboxBackoff(msg.Attempts))
			slog.Warn("OutboxSender.DeliverDue: delivery failed", "id", msg.ID, "kind", msg.Kind, "retryAt", retryAt, "error", err)
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), retryAt); err != nil {
				slog.Error("OutboxSender.DeliverDue: record failure", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.DeliverDue: mark sent", "id", msg.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
