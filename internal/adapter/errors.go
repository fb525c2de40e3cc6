package adapter

import (
	"errors"
	"fmt"
)

// ErrUnavailable is matched by every Unavailable value.
var ErrUnavailable = errors.New("adapter: unavailable")

// ErrNotRunning is returned when an operation names a platform that has no
// adapter in this process.
var ErrNotRunning = errors.New("adapter: platform not running")

// Unavailable is the only error SendMessage returns.
type Unavailable struct {
	Reason string
}

func (u *Unavailable) Error() string {
	return fmt.Sprintf("platform unavailable: %s", u.Reason)
}

func (u *Unavailable) Is(target error) bool { return target == ErrUnavailable }

func unavailable(reason string) error {
	return &Unavailable{Reason: reason}
}
