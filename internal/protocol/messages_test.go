package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jkaninda/galaxy/internal/sandbox"
)

func TestParse(t *testing.T) {
	env, err := Parse([]byte(`{"type":"execute.request","id":"r1","payload":{"code":"print(1)","language":"python"}}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if env.Type != MsgExecuteRequest || env.ID != "r1" {
		t.Errorf("envelope = %+v", env)
	}

	var req ExecutePayload
	if err := env.Decode(&req); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if req.Code != "print(1)" || req.Language != sandbox.LanguagePython {
		t.Errorf("payload = %+v", req)
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := Parse([]byte(`{"id":"x"}`)); !errors.Is(err, ErrMissingType) {
		t.Errorf("Parse() error = %v, want ErrMissingType", err)
	}

	env := &Envelope{Type: MsgExecuteRequest}
	var req ExecutePayload
	if err := env.Decode(&req); err == nil {
		t.Error("expected error decoding empty payload")
	}
}

func TestNewResult_CarriesWireShape(t *testing.T) {
	req := &Envelope{Type: MsgExecuteRequest, ID: "abc"}
	result := sandbox.Faulted(sandbox.FaultCapabilityRejected, "before\n", "Module 'socket' is not allowed in the safe execution environment", "")
	result.ExecutionID = "exec-1"

	env, err := NewResult(req, result)
	if err != nil {
		t.Fatalf("NewResult() error: %v", err)
	}
	if env.Type != MsgExecuteResult || env.ReplyTo != "abc" || env.ExecutionID != "exec-1" {
		t.Errorf("envelope = %+v", env)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		t.Fatalf("payload is not an object: %v", err)
	}
	if len(fields) != 4 {
		t.Errorf("payload keys = %d, want 4: %s", len(fields), env.Payload)
	}
	if string(fields["traceback"]) != "null" {
		t.Errorf("traceback = %s, want null", fields["traceback"])
	}
	if string(fields["success"]) != "false" {
		t.Errorf("success = %s, want false", fields["success"])
	}
}

func TestNewError_WithoutRequest(t *testing.T) {
	env := NewError(nil, ErrCodeMalformed, "bad frame")
	if env.Type != MsgError || env.ReplyTo != "" {
		t.Errorf("envelope = %+v", env)
	}
	var p ErrorPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if p.Code != ErrCodeMalformed || p.Message != "bad frame" {
		t.Errorf("payload = %+v", p)
	}
}
