package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionOutput     = "session.output"
	TypeSessionTerminated = "session.terminated"
	TypeCommandRecorded   = "command.recorded"
	TypeOutputBlock       = "output.block"
	TypeFilesTree         = "files.tree"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeCommandExecute   = "command.execute"
	TypeOutputRequest    = "output.request"
	TypeSessionShutdown  = "session.shutdown"
	TypeFilesRequestTree = "files.requestTree"
)

// Error codes.
const (
	ErrSessionBusy       = "SESSION_BUSY"
	ErrSessionNotReady   = "SESSION_NOT_READY"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrExecuteFailed     = "EXECUTE_FAILED"
	ErrIndexOutOfRange   = "INDEX_OUT_OF_RANGE"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID         string  `json:"id"`
	State      string  `json:"state"`
	PID        int     `json:"pid"`
	LoadedFile string  `json:"loadedFile"`
	Threads    int     `json:"threads"`
	Processors int     `json:"processors"`
	IdleCPU    float64 `json:"idleCpu"`
	Records    int     `json:"records"`
	OutputLen  int     `json:"outputLen"`
	CreatedAt  string  `json:"createdAt"`
}

type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Stream    string `json:"stream"` // "stdout" | "stderr"
	Data      string `json:"data"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type CommandRecordedPayload struct {
	SessionID  string   `json:"sessionId"`
	Index      int      `json:"index"`
	Command    string   `json:"command"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Samples    int      `json:"samples"`
	DurationMs int64    `json:"durationMs"`
	Artifacts  []string `json:"artifacts,omitempty"`
}

type OutputBlockPayload struct {
	SessionID string `json:"sessionId"`
	Index     *int   `json:"index,omitempty"` // nil for the whole output
	Data      string `json:"data"`
}

type FilesTreePayload struct {
	SessionID string     `json:"sessionId"`
	Tree      []FileNode `json:"tree"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type CommandExecutePayload struct {
	Command    string   `json:"command"`
	IdleCPU    *float64 `json:"idleCpu,omitempty"`
	PollTimeMs int      `json:"pollTimeMs,omitempty"`
}

type OutputRequestPayload struct {
	Index *int `json:"index,omitempty"`
}

type SessionShutdownPayload struct {
	Force bool `json:"force"`
}

// FileNode represents a file or directory in the tree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []FileNode `json:"children,omitempty"`
	Size     int64      `json:"size,omitempty"`
}
