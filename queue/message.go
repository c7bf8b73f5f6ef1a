// Package queue carries render requests between whoever changes a workflow
// and the render workers.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ErrMalformed marks a message body that is not a render request.
var ErrMalformed = errors.New("malformed render request")

// Message asks a worker to render a workflow.
type Message struct {
	ID           uuid.UUID       `json:"id"`
	WorkflowID   int64           `json:"workflow_id"`
	StateVersion int64           `json:"state_version"`
	PublishSpec  json.RawMessage `json:"publish_spec,omitempty"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(workflowID, stateVersion int64, publishSpec json.RawMessage) Message {
	return Message{ID: uuid.New(), WorkflowID: workflowID, StateVersion: stateVersion, PublishSpec: publishSpec}
}

// ParseMessage decodes a message body. workflow_id is required; a missing id
// gets a fresh one.
func ParseMessage(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	wf := doc.Get("workflow_id")
	if wf.Type != gjson.Number {
		return Message{}, fmt.Errorf("%w: workflow_id must be a number", ErrMalformed)
	}
	m := Message{WorkflowID: wf.Int()}

	if v := doc.Get("state_version"); v.Exists() {
		if v.Type != gjson.Number {
			return Message{}, fmt.Errorf("%w: state_version must be a number", ErrMalformed)
		}
		m.StateVersion = v.Int()
	}
	if spec := doc.Get("publish_spec"); spec.Exists() && spec.Type != gjson.Null {
		m.PublishSpec = json.RawMessage(spec.Raw)
	}

	m.ID = uuid.New()
	if id := doc.Get("id"); id.Exists() {
		parsed, err := uuid.Parse(id.String())
		if err != nil {
			return Message{}, fmt.Errorf("%w: id: %v", ErrMalformed, err)
		}
		m.ID = parsed
	}
	return m, nil
}

// Marshal encodes m as a message body.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
