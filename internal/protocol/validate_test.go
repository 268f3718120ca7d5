package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func encode(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	msg := map[string]interface{}{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestNewMessage(t *testing.T) {
	payload := SessionUpdatePayload{
		ID:         "test-id",
		State:      "ready",
		LoadedFile: "phenol.fchk",
	}

	msg, err := NewMessage(TypeSessionUpdate, payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeSessionUpdate {
		t.Errorf("expected type %s, got %s", TypeSessionUpdate, msg.Type)
	}

	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p SessionUpdatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ID != "test-id" || p.LoadedFile != "phenol.fchk" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestNewMessage_OutputBlockOmitsNilIndex(t *testing.T) {
	msg, err := NewMessage(TypeOutputBlock, OutputBlockPayload{SessionID: "s", Data: "all"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	var raw map[string]interface{}
	json.Unmarshal(msg.Payload, &raw)
	if _, ok := raw["index"]; ok {
		t.Errorf("expected no index for the whole output, got %v", raw)
	}
}

func TestValidateClientMessage_ValidCommandExecute(t *testing.T) {
	data := encode(t, TypeCommandExecute, map[string]interface{}{"command": "5", "idleCpu": 2.5, "pollTimeMs": 100})

	result, err := ValidateClientMessage(data)
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
	if result.Type != TypeCommandExecute {
		t.Errorf("expected type %s, got %s", TypeCommandExecute, result.Type)
	}

	p, err := ParseCommandExecute(result.Payload)
	if err != nil {
		t.Fatalf("ParseCommandExecute failed: %v", err)
	}
	if p.Command != "5" || p.IdleCPU == nil || *p.IdleCPU != 2.5 || p.PollTimeMs != 100 {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestValidateClientMessage_InvalidCommandExecute(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing command":   {"idleCpu": 1},
		"negative idle cpu": {"command": "1", "idleCpu": -1},
		"negative poll":     {"command": "1", "pollTimeMs": -5},
		"wrong type":        {"command": 12},
	}
	for name, payload := range cases {
		if _, err := ValidateClientMessage(encode(t, TypeCommandExecute, payload)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestValidateClientMessage_InvalidJSON(t *testing.T) {
	_, err := ValidateClientMessage([]byte("not json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateClientMessage_MissingType(t *testing.T) {
	data := []byte(`{"payload":{},"timestamp":"2024-01-01T00:00:00.000Z"}`)

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestValidateClientMessage_UnknownType(t *testing.T) {
	_, err := ValidateClientMessage(encode(t, "unknown.action", map[string]interface{}{}))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestValidateClientMessage_MissingPayload(t *testing.T) {
	data := []byte(`{"type":"command.execute","timestamp":"2024-01-01T00:00:00.000Z"}`)

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestValidateClientMessage_OutputRequest(t *testing.T) {
	if _, err := ValidateClientMessage(encode(t, TypeOutputRequest, map[string]interface{}{})); err != nil {
		t.Errorf("expected whole-output request to be valid, got %v", err)
	}
	if _, err := ValidateClientMessage(encode(t, TypeOutputRequest, map[string]interface{}{"index": 2})); err != nil {
		t.Errorf("expected indexed request to be valid, got %v", err)
	}
	if _, err := ValidateClientMessage(encode(t, TypeOutputRequest, map[string]interface{}{"index": -1})); err == nil {
		t.Error("expected error for negative index")
	}
}

func TestValidateClientMessage_SessionShutdownValid(t *testing.T) {
	_, err := ValidateClientMessage(encode(t, TypeSessionShutdown, map[string]interface{}{"force": true}))
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestValidateClientMessage_FilesRequestTreeValid(t *testing.T) {
	_, err := ValidateClientMessage(encode(t, TypeFilesRequestTree, map[string]interface{}{}))
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestValidateClientMessage_FilesRequestTreeNotObject(t *testing.T) {
	_, err := ValidateClientMessage(encode(t, TypeFilesRequestTree, "tree please"))
	if err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(ErrSessionBusy, "a command is already running")
	if err != nil {
		t.Fatalf("NewErrorMessage failed: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected type %s, got %s", TypeError, msg.Type)
	}

	var p ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != ErrSessionBusy {
		t.Errorf("expected code %s, got %s", ErrSessionBusy, p.Code)
	}
}
