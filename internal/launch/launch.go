// Package launch keeps the persisted launch configurations that bind a start
// request to a server, and the handles of running launches.
package launch

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Well-known configuration attributes.
const (
	AttrServerID = "server-id"
	AttrMode     = "mode"
)

// Configuration is the persisted descriptor used to start a server. There is
// at most one configuration per server id.
type Configuration struct {
	ID         string            `yaml:"id" json:"id"`
	Name       string            `yaml:"name" json:"name"`
	ServerID   string            `yaml:"serverId" json:"serverId"`
	Attributes map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	CreatedAt  time.Time         `yaml:"createdAt" json:"createdAt"`
}

// Attribute returns the attribute value or def when unset.
func (c *Configuration) Attribute(key, def string) string {
	if v, ok := c.Attributes[key]; ok {
		return v
	}
	return def
}

// SetAttribute sets an attribute, allocating the map when needed.
func (c *Configuration) SetAttribute(key, value string) {
	if c.Attributes == nil {
		c.Attributes = make(map[string]string)
	}
	c.Attributes[key] = value
}

// Launch is the handle of one start request.
type Launch struct {
	ID            string
	Configuration *Configuration
	Mode          string
	StartedAt     time.Time

	terminated atomic.Bool
}

// New creates a launch handle for cfg in the given mode.
func New(cfg *Configuration, mode string) *Launch {
	return &Launch{
		ID:            uuid.NewString(),
		Configuration: cfg,
		Mode:          mode,
		StartedAt:     time.Now(),
	}
}

// MarkTerminated records that the launched server has gone away.
func (l *Launch) MarkTerminated() {
	l.terminated.Store(true)
}

// IsTerminated reports whether MarkTerminated was called.
func (l *Launch) IsTerminated() bool {
	return l.terminated.Load()
}
