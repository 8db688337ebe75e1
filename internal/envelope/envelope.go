// Package envelope converts between in-memory event records and the JSON
// wire format used on the broker. The only structural contract on the wire
// is the dispatch key: a non-empty "event" field.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the closed set of event kinds the dispatcher understands.
// Unknown event names decode fine and map to KindUnknown; they are logged
// and ignored rather than rejected.
type Kind string

const (
	KindRunning  Kind = "running"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
	KindUnknown  Kind = ""
)

// Envelope is a decoded lifecycle event for a task. Event and Time are
// always present on the wire; the remaining fields are event-specific and
// pass through verbatim.
type Envelope struct {
	Event    string    `json:"event"`
	URL      string    `json:"url,omitempty"`
	Time     time.Time `json:"time"`
	Process  string    `json:"process,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Kind maps the wire event name onto the closed kind set.
func (e Envelope) Kind() Kind {
	switch Kind(e.Event) {
	case KindRunning, KindProgress, KindComplete, KindError:
		return Kind(e.Event)
	}
	return KindUnknown
}

// DecodeError reports a message body that cannot be turned into an
// envelope. Such messages are dropped, never redelivered: a malformed
// message will not become well-formed on redelivery.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes an envelope to wire bytes.
func Encode(e Envelope) ([]byte, error) {
	if e.Event == "" {
		return nil, &DecodeError{Reason: "missing event field"}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses wire bytes into an envelope. It fails with a *DecodeError
// if the payload is not valid JSON or lacks the dispatch key.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if e.Event == "" {
		return Envelope{}, &DecodeError{Reason: "missing event field"}
	}
	return e, nil
}

// Running builds the envelope a task process emits when it picks a task up.
func Running(url, process string, at time.Time) Envelope {
	return Envelope{Event: string(KindRunning), URL: url, Process: process, Time: at}
}

// Progress builds a progress update envelope.
func Progress(url string, pct int, at time.Time) Envelope {
	return Envelope{Event: string(KindProgress), URL: url, Progress: pct, Time: at}
}

// Complete builds a completion envelope.
func Complete(url string, at time.Time) Envelope {
	return Envelope{Event: string(KindComplete), URL: url, Time: at}
}

// Failure builds an error envelope carrying the failure detail.
func Failure(url, detail string, at time.Time) Envelope {
	return Envelope{Event: string(KindError), URL: url, Detail: detail, Time: at}
}
