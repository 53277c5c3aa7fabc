// Package emitter is the realtime push layer. The engine treats it as a
// fire-and-forget sink: emission never blocks persistence and a stuck
// subscriber never back-pressures the block processor.
package emitter

import (
	"encoding/json"
	"time"
)

// Emitter delivers events to user-scoped subscribers.
//
// EmitToUser targets the "user:<id>" room; Broadcast reaches every
// connected subscriber. Both are best-effort.
type Emitter interface {
	EmitToUser(userID, event string, payload any)
	Broadcast(event string, payload any)
}

// Envelope wraps every message on the wire.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"ts"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Fanout delivers each event to every configured sink.
type Fanout []Emitter

func (f Fanout) EmitToUser(userID, event string, payload any) {
	for _, e := range f {
		e.EmitToUser(userID, event, payload)
	}
}

func (f Fanout) Broadcast(event string, payload any) {
	for _, e := range f {
		e.Broadcast(event, payload)
	}
}

// Noop discards everything. Used when no sink is configured and in tests.
type Noop struct{}

func (Noop) EmitToUser(string, string, any) {}
func (Noop) Broadcast(string, any)          {}
