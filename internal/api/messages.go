// Package api defines the JSON messages exchanged over the live
// WebSocket stream and the control endpoints.
package api

import (
	"github.com/benchpulse/benchpulse/internal/telemetry"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Phase      string          `json:"phase"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, phase string, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Phase:      phase,
		Features:   features,
	}
}

// SampleMessage wraps one merged telemetry sample for transport.
type SampleMessage struct {
	Type string `json:"type"`
	telemetry.Sample
}

// NewSampleMessage constructs a sample payload.
func NewSampleMessage(sample telemetry.Sample) SampleMessage {
	return SampleMessage{
		Type:   "sample",
		Sample: sample,
	}
}

// PhaseMessage announces a benchmark phase transition.
type PhaseMessage struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// NewPhaseMessage constructs a phase transition payload.
func NewPhaseMessage(from, to string) PhaseMessage {
	return PhaseMessage{
		Type: "phase",
		From: from,
		To:   to,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// PhaseRequest is the body of the session phase control endpoint.
type PhaseRequest struct {
	Phase string `json:"phase"`
}

// SessionState is the response of the session status endpoint.
type SessionState struct {
	Phase       string `json:"phase"`
	EndDetected bool   `json:"end_detected"`
}
