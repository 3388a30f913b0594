package bus

import "time"

type ConnectedPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type DisconnectedPayload struct {
	Reason        string `json:"reason"`
	WillReconnect bool   `json:"willReconnect"`
}

// MessageReceivedPayload carries nil MediaKind/MediaRef as JSON null.
type MessageReceivedPayload struct {
	ID           string    `json:"id"`
	Counterparty string    `json:"counterparty"`
	Body         string    `json:"body"`
	MediaKind    *string   `json:"mediaKind"`
	MediaRef     *string   `json:"mediaRef"`
	Timestamp    time.Time `json:"timestamp"`
}

type MessageSentPayload struct {
	ID           string    `json:"id"`
	Counterparty string    `json:"counterparty"`
	Body         string    `json:"body"`
	InReplyTo    string    `json:"inReplyTo"`
	Timestamp    time.Time `json:"timestamp"`
}

// PairingEvent reports pairing progress to dashboards.
type PairingEvent struct {
	Event string `json:"event"`          // "code", "connected", "logged_out"
	Code  string `json:"code,omitempty"` // raw pairing data (only for "code")
	SVG   string `json:"svg,omitempty"`  // server-rendered SVG of the code
}
