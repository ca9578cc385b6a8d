// Package opsalert posts operator-facing Slack notifications for the two
// events the Scanner Registry cannot resolve on its own: a scanner pod that
// disappeared without going through the deleting state, and a scanner that
// had to be force-drained because it exceeded its failure budget.
package opsalert

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends ops alerts to a single Slack channel. If botToken is
// empty, it is a noop that only logs, matching the teacher's slack
// notifier.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. botToken == "" disables Slack posting.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a live Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// UnexpectedDeletion alerts that a scanner row transitioned to deleted
// because its pod vanished while the row was not deleting (registry
// rule 1).
func (n *Notifier) UnexpectedDeletion(ctx context.Context, scannerName, engine string) error {
	return n.post(ctx, fmt.Sprintf(":warning: scanner %q (%s) lost its pod unexpectedly and was marked deleted", scannerName, engine))
}

// ForcedDrain alerts that a scanner was force-drained because its
// except_num reached max_concurrency (registry rule 7).
func (n *Notifier) ForcedDrain(ctx context.Context, scannerName, engine string, exceptNum, maxConcurrency int) error {
	return n.post(ctx, fmt.Sprintf(":rotating_light: scanner %q (%s) force-drained: except_num=%d >= max_concurrency=%d",
		scannerName, engine, exceptNum, maxConcurrency))
}

func (n *Notifier) post(ctx context.Context, text string) error {
	if !n.IsEnabled() {
		n.logger.Debug("ops alert notifier disabled, skipping", "text", text)
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting ops alert: %w", err)
	}
	return nil
}
