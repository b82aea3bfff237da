// Package protocol defines the wire protocol spoken between remote clients
// and the gateway: one JSON object per line, UTF-8, LF-terminated.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Command names used on the wire.
const (
	CmdSubmit = "submit"
	CmdResult = "result"
	CmdAck    = "ack"
	CmdError  = "error"
)

// Status of a task as reported to clients.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusExpired  Status = "expired"
	StatusBusy     Status = "busy"
)

// FlexID is a client identifier that may arrive as a JSON string or number.
// It is normalized to its string form.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty client id")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("client id must be string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) MarshalJSON() ([]byte, error) {
	// Numbers round-trip as numbers so a numeric submitter reads back
	// what it sent.
	if _, err := strconv.ParseInt(string(f), 10, 64); err == nil {
		return []byte(f), nil
	}
	return json.Marshal(string(f))
}

func (f FlexID) String() string { return string(f) }

// Request is any inbound client message. Command selects which fields are
// meaningful.
type Request struct {
	Command  string            `json:"command"`
	ClientID FlexID            `json:"clientId,omitempty"`
	Mode     string            `json:"mode,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	TaskID   string            `json:"taskId,omitempty"`
}

// Ack acknowledges an accepted submit.
type Ack struct {
	Command  string `json:"command"`
	TaskID   string `json:"taskId"`
	ClientID FlexID `json:"clientId"`
	Mode     string `json:"mode"`
}

// ErrorReply reports a protocol-level error; the session stays open.
type ErrorReply struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// ResultMessage reports task status or its final outcome. Success is set
// only when Status is complete.
type ResultMessage struct {
	Command string         `json:"command"`
	TaskID  string         `json:"taskId"`
	Status  Status         `json:"status"`
	Success *bool          `json:"success,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func NewAck(taskID string, clientID FlexID, mode string) *Ack {
	return &Ack{Command: CmdAck, TaskID: taskID, ClientID: clientID, Mode: mode}
}

func NewError(msg string) *ErrorReply {
	return &ErrorReply{Command: CmdError, Message: msg}
}

// StatusResult builds a transient (non-final) status message.
func StatusResult(taskID string, st Status) *ResultMessage {
	return &ResultMessage{Command: CmdResult, TaskID: taskID, Status: st}
}

// CompleteResult builds the final success record for a task.
func CompleteResult(taskID string, data map[string]any) *ResultMessage {
	ok := true
	return &ResultMessage{Command: CmdResult, TaskID: taskID, Status: StatusComplete, Success: &ok, Data: data}
}

// FailedResult builds the final failure record for a task.
func FailedResult(taskID string, err error) *ResultMessage {
	ok := false
	return &ResultMessage{Command: CmdResult, TaskID: taskID, Status: StatusComplete, Success: &ok, Error: err.Error()}
}

// Encode marshals v and appends the LF frame terminator.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeRequest parses one line into a Request.
func DecodeRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if req.Command == "" {
		return nil, errors.New("missing command")
	}
	return &req, nil
}

// Sink is anything final results can be pushed to. Pushes are best-effort;
// a dead sink just returns an error the caller may ignore.
type Sink interface {
	Send(v any) error
}
