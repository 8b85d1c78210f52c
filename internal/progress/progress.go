// Package progress reports work done by long-running operations such as a
// publish. Progress is advisory only and never affects correctness.
package progress

import (
	"sync"

	"servctl/pkg/logging"
)

// Monitor receives progress for one unit of work.
type Monitor interface {
	// Begin declares the total number of ticks and names the work.
	Begin(name string, total int)
	// Worked reports that n more ticks are done.
	Worked(n int)
	// SubTask names the step currently running.
	SubTask(name string)
	// Done marks the work finished.
	Done()
}

// Null returns a Monitor that ignores everything.
func Null() Monitor { return nullMonitor{} }

type nullMonitor struct{}

func (nullMonitor) Begin(string, int) {}
func (nullMonitor) Worked(int)        {}
func (nullMonitor) SubTask(string)    {}
func (nullMonitor) Done()             {}

// OrNull returns m, or a null monitor when m is nil.
func OrNull(m Monitor) Monitor {
	if m == nil {
		return Null()
	}
	return m
}

// Sub returns a monitor that owns ticks of parent. Whatever scale the child
// begins with is mapped onto that share, and Done credits any share not yet
// reported.
func Sub(parent Monitor, ticks int) Monitor {
	return &subMonitor{parent: OrNull(parent), ticks: ticks}
}

type subMonitor struct {
	mu       sync.Mutex
	parent   Monitor
	ticks    int
	total    int
	worked   int
	reported int
	done     bool
}

func (s *subMonitor) Begin(name string, total int) {
	s.mu.Lock()
	s.total = total
	s.mu.Unlock()
	if name != "" {
		s.parent.SubTask(name)
	}
}

func (s *subMonitor) Worked(n int) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.worked += n
	delta := s.scaledLocked() - s.reported
	s.reported += delta
	s.mu.Unlock()
	if delta > 0 {
		s.parent.Worked(delta)
	}
}

func (s *subMonitor) scaledLocked() int {
	if s.total <= 0 {
		return 0
	}
	if s.worked >= s.total {
		return s.ticks
	}
	return s.worked * s.ticks / s.total
}

func (s *subMonitor) SubTask(name string) {
	s.parent.SubTask(name)
}

func (s *subMonitor) Done() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	delta := s.ticks - s.reported
	s.reported = s.ticks
	s.mu.Unlock()
	if delta > 0 {
		s.parent.Worked(delta)
	}
}

// Logger returns a Monitor that writes begin, subtask and done transitions
// to the debug log of subsystem.
func Logger(subsystem string) Monitor {
	return &logMonitor{subsystem: subsystem}
}

type logMonitor struct {
	mu        sync.Mutex
	subsystem string
	name      string
	total     int
	worked    int
}

func (l *logMonitor) Begin(name string, total int) {
	l.mu.Lock()
	l.name, l.total, l.worked = name, total, 0
	l.mu.Unlock()
	logging.Debug(l.subsystem, "%s: started (%d ticks)", name, total)
}

func (l *logMonitor) Worked(n int) {
	l.mu.Lock()
	l.worked += n
	l.mu.Unlock()
}

func (l *logMonitor) SubTask(name string) {
	l.mu.Lock()
	pct := 0
	if l.total > 0 {
		pct = l.worked * 100 / l.total
	}
	task := l.name
	l.mu.Unlock()
	logging.Debug(l.subsystem, "%s: %s (%d%%)", task, name, pct)
}

func (l *logMonitor) Done() {
	l.mu.Lock()
	name := l.name
	l.mu.Unlock()
	logging.Debug(l.subsystem, "%s: done", name)
}
