package core

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingTimestamp is returned when an error payload is requested without a timestamp.
	ErrMissingTimestamp = errors.New("core: timestamp is required")
	// ErrInvalidTimestamp is returned when the supplied timestamp is not ISO-8601.
	ErrInvalidTimestamp = errors.New("core: timestamp is not ISO-8601")
	// ErrMissingPlatform is returned when an error payload has no platform.
	ErrMissingPlatform = errors.New("core: platform is required")
)

// MonetizationErrorOptions describes a monetization event that could not be
// parsed. Pointer fields distinguish "not supplied" from zero.
type MonetizationErrorOptions struct {
	NotificationType EventType
	Platform         Platform
	Timestamp        string

	Username string
	UserID   string
	ID       string

	GiftType  string
	GiftCount *int
	Amount    *float64
	Currency  string
	Tier      string
	Months    *int
}

// MonetizationError is the payload carried by an Event whose IsError is set.
// Downstream renders a generic notification from whatever fields survived.
type MonetizationError struct {
	Platform  Platform  `json:"platform"`
	IsError   bool      `json:"isError"`
	Timestamp string    `json:"timestamp"`
	Type      EventType `json:"type,omitempty"`
	Username  string    `json:"username,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	ID        string    `json:"id,omitempty"`

	GiftType  string   `json:"giftType,omitempty"`
	GiftCount *int     `json:"giftCount,omitempty"`
	Amount    *float64 `json:"amount,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Tier      string   `json:"tier,omitempty"`
	Months    *int     `json:"months,omitempty"`
}

func (m *MonetizationError) EventType() EventType { return m.Type }

// Int returns a pointer to v. Convenience for option literals.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// CreateMonetizationErrorPayload builds the error payload for a failed
// monetization event. An unsupported notification type yields the common
// fields only.
func CreateMonetizationErrorPayload(opts MonetizationErrorOptions) (*MonetizationError, error) {
	if opts.Platform == "" {
		return nil, ErrMissingPlatform
	}
	if opts.Timestamp == "" {
		return nil, ErrMissingTimestamp
	}
	if _, ok := ParseTimestamp(opts.Timestamp); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimestamp, opts.Timestamp)
	}

	out := &MonetizationError{
		Platform:  opts.Platform,
		IsError:   true,
		Timestamp: opts.Timestamp,
		Type:      opts.NotificationType,
		Username:  opts.Username,
		UserID:    opts.UserID,
		ID:        opts.ID,
	}

	switch opts.NotificationType {
	case TypeGift:
		out.GiftType = opts.GiftType
		out.GiftCount = positiveInt(opts.GiftCount)
		out.Amount = positiveFloat(opts.Amount)
		out.Currency = opts.Currency
	case TypeGiftPaypiggy:
		out.GiftCount = nonNegativeInt(opts.GiftCount)
		if opts.Platform == PlatformTwitch {
			out.Tier = opts.Tier
		}
	case TypePaypiggy:
		out.Months = nonNegativeInt(opts.Months)
	case TypeEnvelope:
		out.GiftType = opts.GiftType
		out.GiftCount = nonNegativeInt(opts.GiftCount)
		out.Amount = nonNegativeFloat(opts.Amount)
		out.Currency = opts.Currency
	}
	return out, nil
}

// NewMonetizationErrorEvent wraps CreateMonetizationErrorPayload in a
// canonical envelope with a fresh correlation ID.
func NewMonetizationErrorEvent(opts MonetizationErrorOptions) (Event, error) {
	payload, err := CreateMonetizationErrorPayload(opts)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      opts.NotificationType,
		Platform:  opts.Platform,
		Timestamp: payload.Timestamp,
		IsError:   true,
		Metadata:  Metadata{CorrelationID: NewCorrelationID()},
		Data:      payload,
	}, nil
}

func positiveInt(v *int) *int {
	if v == nil || *v <= 0 {
		return nil
	}
	return Int(*v)
}

func nonNegativeInt(v *int) *int {
	if v == nil || *v < 0 {
		return nil
	}
	return Int(*v)
}

func positiveFloat(v *float64) *float64 {
	if v == nil || !(*v > 0) {
		return nil
	}
	return Float(*v)
}

func nonNegativeFloat(v *float64) *float64 {
	if v == nil || !(*v >= 0) {
		return nil
	}
	return Float(*v)
}
