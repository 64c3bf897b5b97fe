package comm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	TagImport  = "import"
	TagRunNode = "run_node"
	TagBusy    = "busy"

	TagReady    = "ready"
	TagNodeDone = "node_done"
	TagNewInput = "new_input"
)

var ErrUnknownMessage = errors.New("unknown message")

// Envelope is the JSON frame of every message on the wire.
type Envelope struct {
	Type   string          `json:"type"`
	Worker int             `json:"worker"`
	ID     string          `json:"id"`
	Trace  string          `json:"trace,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Encode wraps a report in an envelope with a fresh message id.
func Encode(worker int, trace string, r Report) ([]byte, string, error) {
	return encode(worker, trace, r.tag(), r)
}

// EncodeTask is the coordinator side of Decode. worker names the recipient.
func EncodeTask(worker int, trace string, t Task) ([]byte, string, error) {
	var body any = t
	if _, ok := t.(BusyTask); ok {
		body = nil
	}
	return encode(worker, trace, t.tag(), body)
}

func encode(worker int, trace, tag string, v any) ([]byte, string, error) {
	var body json.RawMessage
	if v != nil {
		var err error
		if body, err = json.Marshal(v); err != nil {
			return nil, "", fmt.Errorf("failed to encode %s: %w", tag, err)
		}
	}
	id := uuid.NewString()
	data, err := json.Marshal(Envelope{tag, worker, id, trace, body})
	if err != nil {
		return nil, "", err
	}
	return data, id, nil
}

// Decode parses a task envelope. Unrecognised tags yield ErrUnknownMessage.
func Decode(data []byte) (Delivery, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Delivery{}, fmt.Errorf("%w: malformed envelope: %w", ErrUnknownMessage, err)
	}

	var task Task
	switch env.Type {
	case TagImport:
		var t ImportTask
		if err := decodeBody(env.Body, &t); err != nil {
			return Delivery{}, err
		}
		task = t
	case TagRunNode:
		var t RunNodeTask
		if err := decodeBody(env.Body, &t); err != nil {
			return Delivery{}, err
		}
		task = t
	case TagBusy:
		task = BusyTask{}
	default:
		return Delivery{}, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	return Delivery{Task: task, Trace: env.Trace}, nil
}

func decodeBody(body json.RawMessage, v any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: missing body", ErrUnknownMessage)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownMessage, err)
	}
	return nil
}
