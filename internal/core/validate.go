package core

import (
	"math"
	"strings"
)

// ValidationResult reports whether a canonical event carries every field
// its variant requires.
type ValidationResult struct {
	IsValid bool     `json:"isValid"`
	Issues  []string `json:"issues,omitempty"`
}

// Validator checks built events before they are published.
type Validator interface {
	ValidateNormalizedMessage(ev Event) ValidationResult
}

// DefaultValidator applies the per-variant field requirements.
type DefaultValidator struct{}

func (DefaultValidator) ValidateNormalizedMessage(ev Event) ValidationResult {
	return ValidateNormalizedMessage(ev)
}

// ValidateNormalizedMessage returns the list of missing or invalid fields.
// Error payloads are valid as long as their envelope is.
func ValidateNormalizedMessage(ev Event) ValidationResult {
	var issues []string
	add := func(s string) { issues = append(issues, s) }

	if ev.Type == "" {
		add("type is required")
	}
	if !ev.Platform.Known() {
		add("platform is invalid")
	}
	if _, ok := ParseTimestamp(ev.Timestamp); !ok {
		add("timestamp is missing or invalid")
	}
	if ev.Metadata.CorrelationID == "" {
		add("metadata.correlationId is required")
	}
	if ev.Data == nil {
		add("data is required")
		return result(issues)
	}
	if ev.IsError {
		if _, ok := ev.Data.(*MonetizationError); !ok {
			add("error event must carry a monetization error payload")
		}
		return result(issues)
	}
	if ev.Data.EventType() != ev.Type {
		add("data does not match type")
	}

	identity := func(id Identity) {
		if strings.TrimSpace(id.UserID) == "" {
			add("userId is required")
		}
		if strings.TrimSpace(id.Username) == "" {
			add("username is required")
		}
	}

	switch p := ev.Data.(type) {
	case ChatMessage:
		identity(p.Identity)
		if strings.TrimSpace(p.Message.Text) == "" {
			add("message.text is required")
		}
	case Follow:
		identity(p.Identity)
	case Paypiggy:
		identity(p.Identity)
		if p.Months < 0 {
			add("months must be non-negative")
		}
	case Gift:
		if !p.IsAnonymous {
			identity(p.Identity)
		}
		if p.GiftType == "" {
			add("giftType is required")
		}
		if p.GiftCount <= 0 {
			add("giftCount must be positive")
		}
		if p.Amount < 0 || math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0) {
			add("amount must be a non-negative number")
		}
		if p.Currency == "" {
			add("currency is required")
		}
	case GiftPaypiggy:
		if !p.IsAnonymous {
			identity(p.Identity)
		}
		if p.GiftCount <= 0 {
			add("giftCount must be positive")
		}
	case Raid:
		identity(p.Identity)
		if p.ViewerCount < 0 {
			add("viewerCount must be non-negative")
		}
	case StreamStatus:
		if p.StartedAt == "" && p.EndedAt == "" {
			add("startedAt or endedAt is required")
		}
	case PlatformConnection:
		if p.Status != ConnectionConnected && p.Status != ConnectionDisconnected {
			add("status must be connected or disconnected")
		}
	case Envelope:
		if p.UserID == "" && p.Username == "" {
			add("userId or username is required")
		}
	}
	return result(issues)
}

func result(issues []string) ValidationResult {
	return ValidationResult{IsValid: len(issues) == 0, Issues: issues}
}
