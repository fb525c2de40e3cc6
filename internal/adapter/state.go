package adapter

// State is the adapter connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// connectionStatus maps a state to the coarse status reported to callers.
func (s State) connectionStatus() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConnecting, StateReconnecting:
		return "connecting"
	}
	return "disconnected"
}

// Status is the standardized readiness report.
type Status struct {
	IsReady bool     `json:"isReady"`
	Issues  []string `json:"issues"`
}

// ConnectionState is the standardized connection report.
type ConnectionState struct {
	Platform        string `json:"platform"`
	Status          string `json:"status"`
	IsConnected     bool   `json:"isConnected"`
	Channel         string `json:"channel"`
	Username        string `json:"username"`
	EventSubActive  bool   `json:"eventSubActive"`
	PlatformEnabled bool   `json:"platformEnabled"`
}

// Report bundles everything the status endpoint shows for one adapter.
type Report struct {
	Platform   string          `json:"platform"`
	State      string          `json:"state"`
	Status     Status          `json:"status"`
	Connection ConnectionState `json:"connection"`
}
