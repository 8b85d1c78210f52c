package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"servctl/internal/module"
)

// Severity orders outcomes from least to most severe.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCancel
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "ok":
		*s = SeverityOK
	case "info":
		*s = SeverityInfo
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	case "cancel":
		*s = SeverityCancel
	default:
		return fmt.Errorf("unknown severity %q", string(b))
	}
	return nil
}

// Status is one node of an immutable result tree. The severity of a node is
// never lower than the severity of any of its children.
type Status struct {
	severity Severity
	message  string
	module   *module.Module
	elapsed  time.Duration
	err      error
	children []*Status
}

// Severity returns the overall severity of the node.
func (s *Status) Severity() Severity {
	if s == nil {
		return SeverityOK
	}
	return s.severity
}

func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Module returns the module the node is about, if any.
func (s *Status) Module() (module.Module, bool) {
	if s == nil || s.module == nil {
		return module.Module{}, false
	}
	return *s.module, true
}

func (s *Status) Elapsed() time.Duration {
	if s == nil {
		return 0
	}
	return s.elapsed
}

func (s *Status) Err() error {
	if s == nil {
		return nil
	}
	return s.err
}

// Children returns a copy of the child list.
func (s *Status) Children() []*Status {
	if s == nil || len(s.children) == 0 {
		return nil
	}
	out := make([]*Status, len(s.children))
	copy(out, s.children)
	return out
}

// IsOK reports whether nothing worse than informational happened.
func (s *Status) IsOK() bool {
	return s.Severity() <= SeverityInfo
}

// IsCancelled reports whether the node or any descendant records a cancellation.
func (s *Status) IsCancelled() bool {
	return s.Severity() == SeverityCancel
}

// AsError converts an error-severity tree into an error. It returns nil for
// anything less severe than SeverityError.
func (s *Status) AsError() error {
	if s.Severity() < SeverityError {
		return nil
	}
	var errs []error
	s.collectErrors(&errs)
	if len(errs) == 0 {
		return errors.New(s.message)
	}
	return fmt.Errorf("%s: %w", s.message, errors.Join(errs...))
}

func (s *Status) collectErrors(errs *[]error) {
	if s.err != nil && s.severity >= SeverityError {
		*errs = append(*errs, s.err)
	}
	for _, c := range s.children {
		c.collectErrors(errs)
	}
}

func (s *Status) String() string {
	if s == nil {
		return "ok"
	}
	var b strings.Builder
	s.format(&b, 0)
	return strings.TrimRight(b.String(), "\n")
}

func (s *Status) format(b *strings.Builder, depth int) {
	fmt.Fprintf(b, "%s[%s] %s", strings.Repeat("  ", depth), s.severity, s.message)
	if s.err != nil {
		fmt.Fprintf(b, ": %v", s.err)
	}
	b.WriteByte('\n')
	for _, c := range s.children {
		c.format(b, depth+1)
	}
}

type statusJSON struct {
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Module    *module.Module `json:"module,omitempty"`
	ElapsedMS int64          `json:"elapsedMs"`
	Error     string         `json:"error,omitempty"`
	Children  []*Status      `json:"children,omitempty"`
}

func (s *Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{
		Severity:  s.severity,
		Message:   s.message,
		Module:    s.module,
		ElapsedMS: s.elapsed.Milliseconds(),
		Children:  s.children,
	}
	if s.err != nil {
		out.Error = s.err.Error()
	}
	return json.Marshal(out)
}

// OK returns a leaf with SeverityOK.
func OK(message string) *Status {
	return &Status{severity: SeverityOK, message: message}
}

// Warning returns a leaf with SeverityWarning.
func Warning(message string, err error) *Status {
	return &Status{severity: SeverityWarning, message: message, err: err}
}

// Error returns a leaf with SeverityError.
func Error(message string, err error) *Status {
	return &Status{severity: SeverityError, message: message, err: err}
}

// Cancel returns a leaf with SeverityCancel.
func Cancel(message string) *Status {
	return &Status{severity: SeverityCancel, message: message}
}
