// Package types defines the wire types shared by snoopmgr and asrgateway.
package types

// RegisterRequest is the body of POST /register.
// PortIn carries the caller-to-platform direction, PortOut the reverse.
type RegisterRequest struct {
	CallID   string `json:"callId"`
	UniqueID string `json:"uniqueid,omitempty"`
	PortIn   int    `json:"portIn"`
	PortOut  int    `json:"portOut"`
}

// UnregisterRequest is the body of POST /unregister.
type UnregisterRequest struct {
	CallID string `json:"callId"`
}

// AckResponse acknowledges /register and /unregister.
type AckResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status      string `json:"status"`
	Uptime      int64  `json:"uptime"`
	ActiveCalls int    `json:"active_calls"`
}

// Call is a tapped call as seen by snoopmgr.
type Call struct {
	ChannelID     string   `json:"channel_id"`
	CorrelationID string   `json:"correlation_id"`
	UniqueID      string   `json:"uniqueid,omitempty"`
	State         string   `json:"state"`
	PortIn        int      `json:"port_in"`
	PortOut       int      `json:"port_out"`
	TapLegs       []string `json:"tap_legs"`
	RelayLegs     []string `json:"relay_legs"`
	Bridges       []string `json:"bridges"`
	Duration      int      `json:"duration"`
}

// RelayLeg is one direction of a relayed call as seen by asrgateway.
type RelayLeg struct {
	Speaker      string `json:"speaker"`
	Port         int    `json:"port"`
	SessionState string `json:"session_state"`
	Packets      int64  `json:"packets"`
	Bytes        int64  `json:"bytes"`
	Dropped      int64  `json:"dropped"`
}

// RelayCall is a registered call as seen by asrgateway.
type RelayCall struct {
	CallID   string     `json:"call_id"`
	UniqueID string     `json:"uniqueid,omitempty"`
	Duration int        `json:"duration"`
	Legs     []RelayLeg `json:"legs"`
}
