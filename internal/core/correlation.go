package core

import "github.com/google/uuid"

// NewCorrelationID returns a random (v4) identifier for event tracing.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewConnectionEvent builds a platform-connection event stamped with the
// current time and a fresh correlation ID.
func NewConnectionEvent(platform Platform, status, reason string, willReconnect bool) Event {
	return Event{
		Type:      TypePlatformConnection,
		Platform:  platform,
		Timestamp: Now(),
		Metadata:  Metadata{CorrelationID: NewCorrelationID()},
		Data: PlatformConnection{
			Status:        status,
			Reason:        reason,
			WillReconnect: willReconnect,
		},
	}
}
