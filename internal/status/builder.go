package status

import (
	"time"

	"servctl/internal/module"
)

// Builder assembles a Status. A Builder is not safe for concurrent use, and
// must not be reused after Build.
type Builder struct {
	s Status
}

// NewBuilder starts a node with SeverityOK and the given message.
func NewBuilder(message string) *Builder {
	return &Builder{s: Status{message: message}}
}

func (b *Builder) Severity(sev Severity) *Builder {
	b.s.severity = sev
	return b
}

func (b *Builder) Message(message string) *Builder {
	b.s.message = message
	return b
}

func (b *Builder) Module(m module.Module) *Builder {
	b.s.module = &m
	return b
}

func (b *Builder) Elapsed(d time.Duration) *Builder {
	b.s.elapsed = d
	return b
}

// Err records err. A non-nil error raises the severity to at least
// SeverityError.
func (b *Builder) Err(err error) *Builder {
	b.s.err = err
	if err != nil && b.s.severity < SeverityError {
		b.s.severity = SeverityError
	}
	return b
}

// Add appends children. Nil children are ignored.
func (b *Builder) Add(children ...*Status) *Builder {
	for _, c := range children {
		if c != nil {
			b.s.children = append(b.s.children, c)
		}
	}
	return b
}

// Len returns the number of children added so far.
func (b *Builder) Len() int {
	return len(b.s.children)
}

// Build returns the finished node. Its severity is the maximum of its own
// and that of every child.
func (b *Builder) Build() *Status {
	out := b.s
	if len(out.children) > 0 {
		out.children = append([]*Status(nil), out.children...)
	}
	for _, c := range out.children {
		if c.severity > out.severity {
			out.severity = c.severity
		}
	}
	return &out
}
