// Package streaming defines the websocket protocol spoken between the relay
// backend and the fieldhq server.
package streaming

import (
	"encoding/json"
)

// Message type constants of the relay protocol.
const (
	// client -> server
	TypeSubscribeDoc  = "subscribe_doc"
	TypeSubscribeColl = "subscribe_coll"
	TypeUnsubscribe   = "unsubscribe"
	TypeWrite         = "write"
	TypeDelete        = "delete"
	TypeCommit        = "commit"

	// server -> client
	TypeAck          = "ack"
	TypeDocSnapshot  = "doc_snapshot"
	TypeCollSnapshot = "coll_snapshot"
	TypeSubError     = "sub_error"
)

// Envelope wraps all messages sent over the WebSocket. ID correlates a
// request with its ack; for subscriptions it is also the subscription id.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckPayload answers a request. A non-empty Error means it was rejected.
type AckPayload struct {
	Error string `json:"error,omitempty"`
}

// PathPayload names a document or collection.
type PathPayload struct {
	Path string `json:"path"`
}

// WritePayload stores data at Path. Merge selects merge over overwrite.
type WritePayload struct {
	Path  string         `json:"path"`
	Data  map[string]any `json:"data"`
	Merge bool           `json:"merge"`
}

// BatchOp is one operation of a commit; Op is "delete" or "merge".
type BatchOp struct {
	Op   string         `json:"op"`
	Path string         `json:"path"`
	Data map[string]any `json:"data,omitempty"`
}

// CommitPayload carries an atomic batch.
type CommitPayload struct {
	Ops []BatchOp `json:"ops"`
}

// DocSnapshot is the state of one document.
type DocSnapshot struct {
	Path   string         `json:"path"`
	ID     string         `json:"id"`
	Exists bool           `json:"exists"`
	Data   map[string]any `json:"data,omitempty"`
}

// CollSnapshot lists every document of a collection.
type CollSnapshot struct {
	Path string        `json:"path"`
	Docs []DocSnapshot `json:"docs"`
}

// SubErrorPayload ends a subscription.
type SubErrorPayload struct {
	Error string `json:"error"`
}

// TokenResponse is the body of POST /auth/anonymous.
type TokenResponse struct {
	Token     string `json:"token"`
	UID       string `json:"uid"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Marshal builds a JSON-encoded Envelope.
func Marshal(msgType, id string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
