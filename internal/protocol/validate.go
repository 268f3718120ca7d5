package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeCommandExecute:   true,
	TypeOutputRequest:    true,
	TypeSessionShutdown:  true,
	TypeFilesRequestTree: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeCommandExecute:
		p, err := ParseCommandExecute(msg.Payload)
		if err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w in %s payload", err, msg.Type)
		}

	case TypeOutputRequest:
		var p OutputRequestPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Index != nil && *p.Index < 0 {
			return nil, fmt.Errorf("field 'index' must not be negative in %s payload", msg.Type)
		}

	case TypeSessionShutdown:
		var p SessionShutdownPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}

	case TypeFilesRequestTree:
		var p map[string]json.RawMessage
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
	}

	return &msg, nil
}

// ParseCommandExecute decodes a command.execute payload.
func ParseCommandExecute(raw json.RawMessage) (CommandExecutePayload, error) {
	var p CommandExecutePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid payload for %s: %w", TypeCommandExecute, err)
	}
	return p, nil
}

// Validate checks the fields of a command.execute payload. The REST
// endpoint accepts the same body.
func (p CommandExecutePayload) Validate() error {
	if p.Command == "" {
		return fmt.Errorf("missing required field 'command'")
	}
	if p.IdleCPU != nil && *p.IdleCPU < 0 {
		return fmt.Errorf("field 'idleCpu' must not be negative")
	}
	if p.PollTimeMs < 0 {
		return fmt.Errorf("field 'pollTimeMs' must not be negative")
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
