package model

import "time"

type ConnectionPhase string

const (
	PhaseDisconnected ConnectionPhase = "disconnected"
	PhaseConnecting   ConnectionPhase = "connecting"
	PhaseConnected    ConnectionPhase = "connected"
	PhaseReconnecting ConnectionPhase = "reconnecting"
)

// ConnectionState is the observable state of the upstream push channel.
// LastError is informational only; the connection lifecycle never surfaces
// errors any other way.
type ConnectionState struct {
	Phase            ConnectionPhase `json:"phase"`
	LastError        string          `json:"last_error,omitempty"`
	ReconnectAttempt int             `json:"reconnect_attempt"`
	NextRetryDelay   time.Duration   `json:"-"`
}

func (s ConnectionState) Connected() bool {
	return s.Phase == PhaseConnected
}
