package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the health of one pool entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConnected Status = "connected"
	StatusFailed    Status = "failed"
	StatusClosed    Status = "closed"
)

// Outcome kinds reported by Reconcile.
const (
	OutcomeConnected = "connected"
	OutcomeFailed    = "failed"
	OutcomeClosed    = "closed"
	OutcomeUnchanged = "unchanged"
)

// Outcome is what a reconcile pass did to one tool. It encodes as
// "connected", "closed", "unchanged" or "failed:<reason>".
type Outcome struct {
	Kind string
	Err  error // set when Kind is OutcomeFailed
}

func (o Outcome) String() string {
	if o.Kind != OutcomeFailed {
		return o.Kind
	}
	return OutcomeFailed + ":" + failureReason(o.Err)
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	s := string(b)
	if reason, ok := strings.CutPrefix(s, OutcomeFailed+":"); ok {
		o.Kind = OutcomeFailed
		o.Err = errors.New(reason)
		return nil
	}
	switch s {
	case OutcomeConnected, OutcomeClosed, OutcomeUnchanged, OutcomeFailed:
		o.Kind = s
		return nil
	}
	return fmt.Errorf("unknown outcome %q", s)
}

func failureReason(err error) string {
	if err == nil {
		return "unknown error"
	}
	var oe *ConnectionOpenError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}

// Report maps tool names to their reconcile outcome.
type Report map[string]Outcome

// Names returns the reported tool names in sorted order.
func (r Report) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failed returns the names whose outcome is failed.
func (r Report) Failed() []string {
	var names []string
	for _, name := range r.Names() {
		if r[name].Kind == OutcomeFailed {
			names = append(names, name)
		}
	}
	return names
}

// Strings flattens the report into name -> outcome string.
func (r Report) Strings() map[string]string {
	out := make(map[string]string, len(r))
	for name, o := range r {
		out[name] = o.String()
	}
	return out
}

// EntryStatus is the externally visible view of a pool entry.
type EntryStatus struct {
	Name   string    `json:"name" yaml:"name"`
	Status Status    `json:"status" yaml:"status"`
	Error  string    `json:"error,omitempty" yaml:"error,omitempty"`
	Tools  []string  `json:"tools,omitempty" yaml:"tools,omitempty"`
	Since  time.Time `json:"since" yaml:"since"`
}
