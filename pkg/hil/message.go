package hil

import (
	"fmt"
	"strings"

	goslack "github.com/slack-go/slack"

	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/models"
)

const maxBlockTextLength = 2900

// Button action IDs for the review message.
const (
	actionApprove  = "review_approve"
	actionReject   = "review_reject"
	actionMoreInfo = "review_more_info"
)

var decisionForAction = map[string]models.HumanDecision{
	actionApprove:  models.HumanApprove,
	actionReject:   models.HumanReject,
	actionMoreInfo: models.HumanMoreInfo,
}

var severityEmoji = map[models.Severity]string{
	models.SeverityCritical: ":rotating_light:",
	models.SeverityHigh:     ":red_circle:",
	models.SeverityMedium:   ":large_orange_circle:",
	models.SeverityLow:      ":large_yellow_circle:",
}

// BuildReviewMessage creates the Block Kit review request with the three
// decision buttons. The investigation id rides in each button's value.
func BuildReviewMessage(investigationID string, p events.HumanReviewRequestedPayload) []goslack.Block {
	emoji := severityEmoji[p.Severity]
	if emoji == "" {
		emoji = ":white_circle:"
	}

	header := fmt.Sprintf("%s *Human review requested*\n*%s*", emoji, p.Title)
	var details strings.Builder
	fmt.Fprintf(&details, "*Severity:* %s\n*AI verdict:* %s (confidence %.0f%%)",
		p.Severity, p.VerdictDecision, p.Confidence*100)
	if p.ThreatAssessment != "" {
		fmt.Fprintf(&details, "\n*Assessment:* %s", truncateForSlack(p.ThreatAssessment))
	}
	if p.Recommendation != "" {
		fmt.Fprintf(&details, "\n*Recommendation:* %s", truncateForSlack(p.Recommendation))
	}

	approve := goslack.NewButtonBlockElement(actionApprove, investigationID,
		goslack.NewTextBlockObject(goslack.PlainTextType, "Approve & Escalate", false, false))
	approve.Style = goslack.StylePrimary
	reject := goslack.NewButtonBlockElement(actionReject, investigationID,
		goslack.NewTextBlockObject(goslack.PlainTextType, "Reject", false, false))
	reject.Style = goslack.StyleDanger
	moreInfo := goslack.NewButtonBlockElement(actionMoreInfo, investigationID,
		goslack.NewTextBlockObject(goslack.PlainTextType, "Request More Info", false, false))

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false), nil, nil),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, details.String(), false, false), nil, nil),
		goslack.NewActionBlock("review_actions", approve, reject, moreInfo),
	}
}

// BuildDecisionText renders the replacement text after a chat decision.
func BuildDecisionText(decision models.HumanDecision, reviewer string) string {
	var label string
	switch decision {
	case models.HumanApprove:
		label = ":white_check_mark: Decision: APPROVED"
	case models.HumanReject:
		label = ":x: Decision: REJECTED"
	default:
		label = ":grey_question: Decision: MORE INFO REQUESTED"
	}
	if reviewer != "" {
		label += " by @" + reviewer
	}
	return label
}

// BuildDashboardWinText renders the replacement text when the dashboard
// answered before anyone clicked a button.
func BuildDashboardWinText(status string) string {
	return fmt.Sprintf(":desktop_computer: Decision: %s (via Dashboard)", strings.ToUpper(status))
}

// BuildTimeoutText renders the replacement text after the review timed out.
func BuildTimeoutText() string {
	return ":hourglass: Review timed out - routed back for another look"
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
