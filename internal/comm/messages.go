// Package comm carries the messages exchanged between a worker and the
// coordinator.
package comm

import "context"

// TaskHandler has one method per task kind. Implementations must handle all
// of them.
type TaskHandler interface {
	HandleImport(ctx context.Context, task ImportTask) error
	HandleNode(ctx context.Context, task RunNodeTask) error
	HandleBusy(ctx context.Context, task BusyTask) error
}

// Task is a unit of work handed out by the coordinator. The set of tasks is
// closed: only the types of this package implement it.
type Task interface {
	Accept(ctx context.Context, h TaskHandler) error
	tag() string
}

// ImportTask asks the worker to execute an external seed once.
type ImportTask struct {
	Payload []byte `json:"payload"`
}

// RunNodeTask asks the worker to fuzz a queue node.
type RunNodeTask struct {
	NodeID int `json:"node_id"`
}

// BusyTask is sent when the coordinator has nothing to hand out.
type BusyTask struct{}

func (t ImportTask) Accept(ctx context.Context, h TaskHandler) error  { return h.HandleImport(ctx, t) }
func (t RunNodeTask) Accept(ctx context.Context, h TaskHandler) error { return h.HandleNode(ctx, t) }
func (t BusyTask) Accept(ctx context.Context, h TaskHandler) error    { return h.HandleBusy(ctx, t) }

func (ImportTask) tag() string  { return TagImport }
func (RunNodeTask) tag() string { return TagRunNode }
func (BusyTask) tag() string    { return TagBusy }

// Report is a message from the worker to the coordinator.
type Report interface {
	tag() string
}

type Ready struct{}

type NodeDone struct {
	NodeID     int            `json:"node_id"`
	Results    map[string]any `json:"results,omitempty"`
	NewPayload []byte         `json:"new_payload,omitempty"`
	Valid      bool           `json:"valid"`
}

// Info describes how an input was found.
type Info struct {
	Time        float64 `json:"time"` // unix seconds
	ExitReason  string  `json:"exit_reason"`
	Performance float64 `json:"performance"`
	State       string  `json:"state,omitempty"`
	Label       string  `json:"label,omitempty"`
	Method      string  `json:"method,omitempty"`
	Parent      int     `json:"parent,omitempty"`
	Worker      int     `json:"worker"`
}

type NewInput struct {
	Payload  []byte       `json:"payload"`
	Bitmap   []byte       `json:"bitmap"`
	NewBytes map[int]byte `json:"new_bytes,omitempty"`
	NewBits  map[int]byte `json:"new_bits,omitempty"`
	Info     Info         `json:"info"`
}

func (Ready) tag() string    { return TagReady }
func (NodeDone) tag() string { return TagNodeDone }
func (NewInput) tag() string { return TagNewInput }

// Connection is the worker side of the coordinator link.
// Delivery is a received task with the span context its sender exported.
type Delivery struct {
	Task  Task
	Trace string
}

type Connection interface {
	Recv(ctx context.Context) (Delivery, error)
	SendReady(ctx context.Context) error
	SendNodeDone(ctx context.Context, msg NodeDone) error
	SendNewInput(ctx context.Context, msg NewInput) error
}
