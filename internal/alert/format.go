package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, ev Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(ev)
	case "pagerduty":
		return formatPagerDuty(ev)
	default:
		return json.Marshal(ev)
	}
}

func formatSlack(ev Event) ([]byte, error) {
	subject := ev.ProposalID
	if ev.Title != "" {
		subject = fmt.Sprintf("%s (%s)", ev.Title, ev.ProposalID)
	}
	if subject == "" {
		subject = ev.SessionID
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("changegate: %s", ev.Type),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Proposal:* %s", subject)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", ev.Severity)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", ev.Reason)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*At:* %s", ev.Timestamp)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(ev Event) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("changegate %s: %s", ev.Type, firstNonEmpty(ev.Title, ev.ProposalID, ev.SessionID)),
			"severity": pagerDutySeverity(ev.Severity),
			"source":   "changegate",
			"custom_details": map[string]any{
				"proposal_id": ev.ProposalID,
				"reason":      ev.Reason,
				"session_id":  ev.SessionID,
			},
		},
	}
	return json.Marshal(payload)
}

func pagerDutySeverity(level string) string {
	switch level {
	case "critical":
		return "critical"
	case "high":
		return "error"
	case "medium":
		return "warning"
	default:
		return "info"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
