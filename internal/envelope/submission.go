package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Submission is the wire record a producer publishes to submit a task.
// Awaits lists the upstream task URLs this task depends on.
type Submission struct {
	URL     string          `json:"url,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Awaits  []string        `json:"awaits,omitempty"`
	Time    time.Time       `json:"time"`
}

// EncodeSubmission serializes a submission to wire bytes.
func EncodeSubmission(s Submission) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	return data, nil
}

// DecodeSubmission parses wire bytes into a submission.
func DecodeSubmission(data []byte) (Submission, error) {
	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return Submission{}, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	return s, nil
}
