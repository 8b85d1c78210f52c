package server

import (
	"fmt"
	"strings"

	"servctl/internal/module"
)

// State is the run state of a server or of a module on a server.
type State int

const (
	StateUnknown State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState parses a state name.
func ParseState(s string) (State, error) {
	switch strings.ToLower(s) {
	case "", "unknown":
		return StateUnknown, nil
	case "starting":
		return StateStarting, nil
	case "started":
		return StateStarted, nil
	case "stopping":
		return StateStopping, nil
	case "stopped":
		return StateStopped, nil
	}
	return StateUnknown, fmt.Errorf("unknown state %q", s)
}

// PublishState says whether outstanding changes need to be pushed.
type PublishState int

const (
	PublishStateUnknown PublishState = iota
	PublishStateNone
	PublishStateIncremental
	PublishStateFull
)

func (p PublishState) String() string {
	switch p {
	case PublishStateNone:
		return "none"
	case PublishStateIncremental:
		return "incremental"
	case PublishStateFull:
		return "full"
	default:
		return "unknown"
	}
}

func (p PublishState) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Mode is the launch mode a server is started in.
type Mode string

const (
	ModeRun     Mode = "run"
	ModeDebug   Mode = "debug"
	ModeProfile Mode = "profile"
)

// Port is a network port a server listens on.
type Port struct {
	Name     string `json:"name" yaml:"name"`
	Port     int    `json:"port" yaml:"port"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// Type describes a kind of server.
type Type struct {
	ID   string
	Name string
	// Delegate is the key of the delegate factory in the TypeRegistry.
	Delegate     string
	InitialState State
	// RequiresConfiguration is true when publishing needs an attached
	// configuration.
	RequiresConfiguration bool
	LaunchModes           []Mode
	// ModuleTypes lists the module types the server accepts. Empty accepts all.
	ModuleTypes []module.Constraint
}

// SupportsMode reports whether servers of this type can be launched in mode.
func (t *Type) SupportsMode(mode Mode) bool {
	if t == nil {
		return false
	}
	for _, m := range t.LaunchModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Configuration is the server configuration attached to a server, for types
// that publish one.
type Configuration struct {
	ID   string `json:"id" yaml:"id"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}
