package core

import "encoding/json"

// Envelope is the unit exchanged with a broker.
type Envelope struct {
	TaskID  string          `json:"task_id"`
	Type    string          `json:"type"`
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Headers Headers         `json:"headers"`
}

// Headers is the envelope header block.
type Headers struct {
	Attempt int    `json:"attempt"`
	Death   *Death `json:"death,omitempty"`
}

// Death carries dead-letter metadata once an envelope has been dead-lettered.
// Route lists every queue the envelope was dispatched to, oldest first.
type Death struct {
	Count              int      `json:"count"`
	FirstReason        string   `json:"first_reason"`
	LastReason         string   `json:"last_reason"`
	OriginalQueue      string   `json:"original_queue"`
	OriginalRoutingKey string   `json:"original_routing_key"`
	Route              []string `json:"route,omitempty"`
}
