package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestFlexIDStringOrNumber(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"command":"submit","clientId":"C1","mode":"zero"}`), &req); err != nil {
		t.Fatalf("unmarshal string id: %v", err)
	}
	if req.ClientID != "C1" {
		t.Fatalf("ClientID = %q, want C1", req.ClientID)
	}

	if err := json.Unmarshal([]byte(`{"command":"submit","clientId":7,"mode":"scan"}`), &req); err != nil {
		t.Fatalf("unmarshal numeric id: %v", err)
	}
	if req.ClientID != "7" {
		t.Fatalf("ClientID = %q, want 7", req.ClientID)
	}

	if err := json.Unmarshal([]byte(`{"command":"submit","clientId":{"x":1}}`), &req); err == nil {
		t.Fatalf("expected error for object client id")
	}
}

func TestFlexIDRoundTrip(t *testing.T) {
	b, err := json.Marshal(NewAck("T1", "12", "scan"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(b, []byte(`"clientId":12`)) {
		t.Fatalf("numeric id should marshal as number, got %s", b)
	}
	b, _ = json.Marshal(NewAck("T1", "C1", "scan"))
	if !bytes.Contains(b, []byte(`"clientId":"C1"`)) {
		t.Fatalf("string id should marshal as string, got %s", b)
	}
}

func TestEncodeAppendsNewline(t *testing.T) {
	b, err := Encode(StatusResult("T1", StatusQueued))
	if err != nil {
		t.Fatal(err)
	}
	if b[len(b)-1] != '\n' {
		t.Fatalf("missing LF terminator: %q", b)
	}
	if bytes.Contains(b[:len(b)-1], []byte{'\n'}) {
		t.Fatalf("embedded newline in frame: %q", b)
	}
}

func TestDecodeRequest(t *testing.T) {
	if _, err := DecodeRequest([]byte(`{"command":"result","taskId":"T1"}`)); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if _, err := DecodeRequest([]byte(`not json`)); err == nil {
		t.Fatal("garbage accepted")
	}
	if _, err := DecodeRequest([]byte(`{"taskId":"T1"}`)); err == nil {
		t.Fatal("request without command accepted")
	}
}

func TestResultConstructors(t *testing.T) {
	r := CompleteResult("T1", map[string]any{"zero_length": 102.5})
	if r.Status != StatusComplete || r.Success == nil || !*r.Success {
		t.Fatalf("bad success record: %+v", r)
	}
	f := FailedResult("T1", errors.New("boom"))
	if f.Success == nil || *f.Success || f.Error == "" {
		t.Fatalf("bad failure record: %+v", f)
	}
	s := StatusResult("T1", StatusRunning)
	if s.Success != nil {
		t.Fatalf("transient status must not carry success: %+v", s)
	}
}
