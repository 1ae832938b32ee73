// ABOUTME: Worker protocol messages exchanged between the coordinator and the ingestion worker.
// ABOUTME: Messages are plain values so they can cross goroutines or be serialized.

package ingest

// CommandType identifies an inbound worker command
type CommandType string

// CommandStart asks the worker to run one ingestion
const CommandStart CommandType = "START"

// Command is sent to the worker
type Command struct {
	Type  CommandType `json:"type"`
	RunID string      `json:"runId,omitempty"`
}

// MessageType identifies an outbound worker message
type MessageType string

const (
	MessageProgress MessageType = "PROGRESS"
	MessageDone     MessageType = "DONE"
	MessageError    MessageType = "ERROR"
)

// Message is sent by the worker. RowsWritten is cumulative for the run.
type Message struct {
	Type        MessageType `json:"type"`
	RowsWritten int         `json:"rowsWritten,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// Terminal reports whether no further messages follow m for the same run
func (m Message) Terminal() bool {
	return m.Type == MessageDone || m.Type == MessageError
}
