package slack

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReactionEvent is the structure received from slack-forwarder via NATS.
type ReactionEvent struct {
	Reaction  string `json:"reaction"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	MessageTS string `json:"message_ts"`
}

// TriageVerdict is an engineer's call on a posted report.
type TriageVerdict string

const (
	TriageExpected   TriageVerdict = "expected"
	TriageRegression TriageVerdict = "regression"
	TriageSkipped    TriageVerdict = "skipped"
	TriageUnknown    TriageVerdict = "unknown"
)

// ParseReaction converts a Slack reaction emoji name to a triage verdict.
func ParseReaction(reaction string) TriageVerdict {
	switch reaction {
	case "+1", "thumbsup", "white_check_mark":
		return TriageExpected
	case "-1", "thumbsdown", "rotating_light":
		return TriageRegression
	case "shrug":
		return TriageSkipped
	default:
		return TriageUnknown
	}
}

// ParseReactionEvent parses a NATS message payload from slack-forwarder into a ReactionEvent.
func ParseReactionEvent(data []byte) (*ReactionEvent, error) {
	// the forwarder wraps the event fields in metadata
	var wrapper struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse reaction wrapper: %w", err)
	}

	return &ReactionEvent{
		Reaction:  strings.Trim(wrapper.Metadata["text"], ":"),
		UserID:    wrapper.Metadata["user_id"],
		Channel:   wrapper.Metadata["channel_id"],
		MessageTS: wrapper.Metadata["message_ts"],
	}, nil
}
