// Package task defines the measurement task model shared by the gateway,
// queue and worker.
package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ofdrgate/pkg/protocol"
)

// Mode selects the measurement pipeline branch.
type Mode string

const (
	ModeScan     Mode = "scan"
	ModeZero     Mode = "zero"
	ModeAutoPeak Mode = "auto_peak"
)

// KnownMode reports whether m is one of the modes the worker implements.
// The gateway accepts any non-empty mode; unknown ones fail in the
// pipeline so the submitter gets a recorded failure rather than a
// synchronous reject.
func KnownMode(m Mode) bool {
	switch m {
	case ModeScan, ModeZero, ModeAutoPeak:
		return true
	}
	return false
}

// MeasureTask is one queued measurement request. Immutable after creation;
// owned by the queue, then exclusively by the worker.
type MeasureTask struct {
	ID        string
	ClientID  protocol.FlexID
	Channel   int
	Mode      Mode
	Params    map[string]string
	CreatedAt time.Time

	// Session is a non-owning handle for best-effort pushes back to the
	// submitter; nil or dead sessions are ignored.
	Session protocol.Sink
}

// New builds a task with a fresh id. The routed switch output comes from
// params["channel"] when present, else from a numeric client id, else 0.
func New(clientID protocol.FlexID, mode Mode, params map[string]string, sess protocol.Sink) *MeasureTask {
	ch := 0
	if s, ok := params["channel"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			ch = n
		}
	} else if n, err := strconv.Atoi(string(clientID)); err == nil {
		ch = n
	}
	return &MeasureTask{
		ID:        NewID(time.Now()),
		ClientID:  clientID,
		Channel:   ch,
		Mode:      mode,
		Params:    params,
		CreatedAt: time.Now(),
		Session:   sess,
	}
}

// Param returns the named parameter as float64, or def when absent or
// unparseable.
func (t *MeasureTask) Param(key string, def float64) float64 {
	s, ok := t.Params[key]
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return v
}

// NewID returns a task id whose lexical order matches creation time, with a
// random suffix for uniqueness: T<yyyymmddHHMMSS>-<rand>.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("T%s-%s", now.UTC().Format("20060102150405"), suffix)
}
