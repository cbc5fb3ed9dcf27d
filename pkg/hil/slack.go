package hil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/gbrigandi/soctalk/pkg/config"
	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/llm"
)

// timeoutFeedback is recorded when no analyst answers in time.
const timeoutFeedback = "HIL review timed out - please review manually"

// inquirySystemPrompt answers analyst questions about an investigation
// over the chat channel.
const inquirySystemPrompt = `You are a SOC assistant answering an analyst's question about an ongoing investigation.
Answer from the investigation context you are given. Be direct and concrete.
If the context does not contain the answer, say so rather than guessing.`

var investigationIDRe = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// SlackBackend is the chat review channel: it posts review requests with
// decision buttons, records button decisions, keeps the message in sync
// when the dashboard answers first, and times reviews out.
//
// Nil-safe: all methods are no-ops on a nil backend, so deployments without
// Slack configured simply run dashboard-only review.
type SlackBackend struct {
	api     *goslack.Client
	socket  *socketmode.Client
	channel string
	store   *Store
	inquiry llm.Completer
	cfg     config.HILConfig
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*reviewWatch
}

type reviewWatch struct {
	channel string
	ts      string
	cancel  context.CancelFunc
}

// NewSlackBackend returns the chat backend, or nil when the bot token or
// channel is not configured.
func NewSlackBackend(cfg config.HILConfig, store *Store, inquiry llm.Completer) *SlackBackend {
	if cfg.SlackBotToken == "" || cfg.SlackChannel == "" {
		return nil
	}

	opts := []goslack.Option{}
	if cfg.SlackAppToken != "" {
		opts = append(opts, goslack.OptionAppLevelToken(cfg.SlackAppToken))
	}
	api := goslack.New(cfg.SlackBotToken, opts...)

	b := &SlackBackend{
		api:     api,
		channel: cfg.SlackChannel,
		store:   store,
		inquiry: inquiry,
		cfg:     cfg,
		log:     slog.With("component", "hil-slack"),
		pending: make(map[string]*reviewWatch),
	}
	if cfg.SlackAppToken != "" {
		b.socket = socketmode.New(api)
	}
	return b
}

// RequestReview posts the review request and starts watching it for a
// dashboard decision or a timeout.
func (b *SlackBackend) RequestReview(ctx context.Context, investigationID string, payload events.HumanReviewRequestedPayload) error {
	if b == nil {
		return nil
	}

	blocks := BuildReviewMessage(investigationID, payload)
	channel, ts, err := b.api.PostMessageContext(ctx, b.channel, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("posting review request: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	watch := &reviewWatch{channel: channel, ts: ts, cancel: cancel}

	b.mu.Lock()
	if prev := b.pending[investigationID]; prev != nil {
		prev.cancel()
	}
	b.pending[investigationID] = watch
	b.mu.Unlock()

	go b.watchReview(watchCtx, investigationID, watch)
	b.log.Info("review request posted", "investigation_id", investigationID, "ts", ts)
	return nil
}

// watchReview polls the review row so the chat message tracks a decision
// made on the dashboard, and times the review out when nobody answers.
func (b *SlackBackend) watchReview(ctx context.Context, investigationID string, watch *reviewWatch) {
	deadline := time.NewTimer(b.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			b.timeoutReview(investigationID, watch)
			return
		case <-ticker.C:
			row, err := b.store.Latest(context.Background(), investigationID)
			if err != nil {
				continue
			}
			if row.Status == "pending" {
				continue
			}
			// Decided elsewhere. Only a dashboard decision needs the message
			// rewritten here; chat decisions update it in the action handler.
			if row.DecisionSource != nil && *row.DecisionSource == "dashboard" {
				b.updateMessage(watch, BuildDashboardWinText(row.Status))
			}
			b.forget(investigationID)
			return
		}
	}
}

func (b *SlackBackend) timeoutReview(investigationID string, watch *reviewWatch) {
	err := b.store.Decide(context.Background(), investigationID,
		decisionForAction[actionMoreInfo], "system", timeoutFeedback, "timeout")
	switch {
	case err == nil:
		b.updateMessage(watch, BuildTimeoutText())
		b.log.Warn("review timed out", "investigation_id", investigationID)
	case errors.Is(err, ErrAlreadyDecided):
		// Lost the race to a real decision at the deadline.
	default:
		b.log.Error("recording review timeout failed",
			"investigation_id", investigationID, "error", err)
	}
	b.forget(investigationID)
}

// Run processes socket-mode events: decision buttons and app mentions. It
// blocks until the context is cancelled. Without an app token the backend
// is post-only and Run returns immediately.
func (b *SlackBackend) Run(ctx context.Context) error {
	if b == nil || b.socket == nil {
		return nil
	}

	go func() {
		if err := b.socket.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error("socket mode stopped", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-b.socket.Events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case socketmode.EventTypeInteractive:
				callback, ok := evt.Data.(goslack.InteractionCallback)
				if !ok {
					continue
				}
				b.socket.Ack(*evt.Request)
				b.handleInteraction(ctx, callback)
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				b.socket.Ack(*evt.Request)
				b.handleEventsAPI(ctx, apiEvent)
			}
		}
	}
}

func (b *SlackBackend) handleInteraction(ctx context.Context, callback goslack.InteractionCallback) {
	if callback.Type != goslack.InteractionTypeBlockActions {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		decision, ok := decisionForAction[action.ActionID]
		if !ok {
			continue
		}
		investigationID := action.Value
		reviewer := callback.User.Name
		if reviewer == "" {
			reviewer = callback.User.ID
		}

		err := b.store.Decide(ctx, investigationID, decision, reviewer, "", "chat")
		watch := b.lookup(investigationID)
		switch {
		case err == nil:
			if watch != nil {
				b.updateMessage(watch, BuildDecisionText(decision, reviewer))
			}
			b.forget(investigationID)
			b.log.Info("chat decision recorded",
				"investigation_id", investigationID, "decision", decision, "reviewer", reviewer)
		case errors.Is(err, ErrAlreadyDecided):
			b.log.Info("chat decision lost the race",
				"investigation_id", investigationID, "reviewer", reviewer)
		default:
			b.log.Error("recording chat decision failed",
				"investigation_id", investigationID, "error", err)
		}
	}
}

func (b *SlackBackend) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	mention, ok := apiEvent.InnerEvent.Data.(*slackevents.AppMentionEvent)
	if !ok {
		return
	}
	b.answerInquiry(ctx, mention)
}

// answerInquiry responds in-thread to a question that references an
// investigation by id.
func (b *SlackBackend) answerInquiry(ctx context.Context, mention *slackevents.AppMentionEvent) {
	if b.inquiry == nil {
		return
	}
	investigationID := investigationIDRe.FindString(strings.ToLower(mention.Text))
	if investigationID == "" {
		return
	}

	summary, err := b.store.InvestigationSummary(ctx, investigationID)
	if err != nil {
		b.reply(ctx, mention, fmt.Sprintf("I could not find investigation `%s`.", investigationID))
		return
	}

	prompt := fmt.Sprintf("%s\n\nQuestion: %s", summary, mention.Text)
	answer, err := b.inquiry.Complete(ctx, inquirySystemPrompt, prompt,
		llm.InquiryTemperature, llm.InquiryMaxTokens)
	if err != nil {
		b.log.Error("inquiry completion failed",
			"investigation_id", investigationID, "error", err)
		b.reply(ctx, mention, "I could not answer that right now, please try again.")
		return
	}
	b.reply(ctx, mention, truncateForSlack(answer))
}

func (b *SlackBackend) reply(ctx context.Context, mention *slackevents.AppMentionEvent, text string) {
	threadTS := mention.ThreadTimeStamp
	if threadTS == "" {
		threadTS = mention.TimeStamp
	}
	_, _, err := b.api.PostMessageContext(ctx, mention.Channel,
		goslack.MsgOptionText(text, false), goslack.MsgOptionTS(threadTS))
	if err != nil {
		b.log.Error("posting inquiry reply failed", "error", err)
	}
}

func (b *SlackBackend) updateMessage(watch *reviewWatch, text string) {
	_, _, _, err := b.api.UpdateMessage(watch.channel, watch.ts,
		goslack.MsgOptionText(text, false), goslack.MsgOptionBlocks())
	if err != nil {
		b.log.Error("updating review message failed", "ts", watch.ts, "error", err)
	}
}

func (b *SlackBackend) lookup(investigationID string) *reviewWatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[investigationID]
}

func (b *SlackBackend) forget(investigationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if watch := b.pending[investigationID]; watch != nil {
		watch.cancel()
		delete(b.pending, investigationID)
	}
}
