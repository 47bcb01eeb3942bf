package ari

import "time"

// Event types consumed by snoopmgr.
const (
	EventStasisStart      = "StasisStart"
	EventStasisEnd        = "StasisEnd"
	EventChannelDestroyed = "ChannelDestroyed"
)

// Channel is the subset of the ARI channel model snoopmgr reads.
type Channel struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        string            `json:"state"`
	LinkedID     string            `json:"linkedid,omitempty"`
	UniqueID     string            `json:"uniqueid,omitempty"`
	ChannelVars  map[string]string `json:"channelvars,omitempty"`
	CreationTime string            `json:"creationtime,omitempty"`
}

// Event is one message from the /ari/events websocket.
type Event struct {
	Type        string    `json:"type"`
	Application string    `json:"application"`
	Timestamp   string    `json:"timestamp,omitempty"`
	Args        []string  `json:"args,omitempty"`
	Channel     *Channel  `json:"channel,omitempty"`
	ReceivedAt  time.Time `json:"-"`
}

// SnoopRequest creates a spy channel on an existing channel.
type SnoopRequest struct {
	ChannelID string // channel to spy on
	SnoopID   string // id to assign to the new snoop channel
	Spy       string // "in", "out" or "both"
	AppArgs   string
}

// ExternalMediaRequest creates a channel that streams media to host:port.
type ExternalMediaRequest struct {
	ChannelID     string // id to assign to the new channel
	ExternalHost  string // host:port
	Format        string // e.g. "slin16", "ulaw"
	Encapsulation string // default "rtp"
	Transport     string // default "udp"
	Direction     string // "out" sends media only; empty leaves the platform default
}

// Destination is a dialplan location.
type Destination struct {
	Context   string
	Extension string
	Priority  int
}

// Variable is the response body of GET /channels/{id}/variable.
type Variable struct {
	Value string `json:"value"`
}
