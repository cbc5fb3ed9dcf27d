// Package notify posts one-way Slack notifications over an incoming webhook.
// It is separate from the interactive review channel: these messages have no
// buttons and expect no reply.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goslack "github.com/slack-go/slack"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// Toggles gates which notifications are sent. The settings provider
// implements it.
type Toggles interface {
	NotifyOnEscalation() bool
	NotifyOnVerdict() bool
}

// Notifier posts Block Kit messages to a Slack incoming webhook.
//
// Nil-safe: a nil notifier drops everything, so deployments without a
// webhook configured need no guards at the call sites.
type Notifier struct {
	webhookURL string
	toggles    Toggles
	log        *slog.Logger

	// post is swapped in tests.
	post func(ctx context.Context, url string, msg *goslack.WebhookMessage) error
}

// NewNotifier returns a webhook notifier, or nil when no URL is configured.
func NewNotifier(webhookURL string, toggles Toggles) *Notifier {
	if webhookURL == "" {
		return nil
	}
	return &Notifier{
		webhookURL: webhookURL,
		toggles:    toggles,
		log:        slog.With("component", "notify"),
		post:       goslack.PostWebhookContext,
	}
}

// Escalated announces that an investigation was escalated and a case opened.
func (n *Notifier) Escalated(ctx context.Context, investigationID, title, caseID string, verdict *models.Verdict) {
	if n == nil || !n.toggles.NotifyOnEscalation() {
		return
	}

	var body strings.Builder
	fmt.Fprintf(&body, "*%s*\nInvestigation `%s` escalated", title, investigationID)
	if caseID != "" {
		fmt.Fprintf(&body, ", case `%s` opened", caseID)
	}
	if verdict != nil {
		fmt.Fprintf(&body, "\nConfidence %.0f%%, urgency %s", verdict.Confidence*100, verdict.Urgency)
		if verdict.ThreatAssessment != "" {
			fmt.Fprintf(&body, "\n> %s", verdict.ThreatAssessment)
		}
	}

	n.send(ctx, ":rotating_light: SOC escalation", body.String())
}

// VerdictRendered announces a rendered verdict. Off by default, deployments
// that want a feed of every decision turn the toggle on.
func (n *Notifier) VerdictRendered(ctx context.Context, investigationID, title string, verdict models.Verdict) {
	if n == nil || !n.toggles.NotifyOnVerdict() {
		return
	}

	body := fmt.Sprintf("*%s*\nInvestigation `%s`: verdict *%s* (confidence %.0f%%, evidence %s)",
		title, investigationID, verdict.Decision, verdict.Confidence*100, verdict.EvidenceStrength)

	n.send(ctx, ":scales: SOC verdict", body)
}

func (n *Notifier) send(ctx context.Context, header, body string) {
	msg := &goslack.WebhookMessage{
		Text: header,
		Blocks: &goslack.Blocks{BlockSet: []goslack.Block{
			goslack.NewSectionBlock(
				goslack.NewTextBlockObject(goslack.MarkdownType, header+"\n"+body, false, false),
				nil, nil),
		}},
	}
	if err := n.post(ctx, n.webhookURL, msg); err != nil {
		n.log.Error("webhook notification failed", "error", err)
	}
}
