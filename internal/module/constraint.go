package module

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/bmatcuk/doublestar/v4"
)

// ErrUnsupportedModule is returned when a module does not satisfy any of the
// constraints of a server type.
var ErrUnsupportedModule = errors.New("module not supported")

// Constraint names a module type a server type accepts, optionally limited
// to a semver range. Type may be a glob such as "jee.*" or "jee.{web,ejb}".
type Constraint struct {
	Type     string `yaml:"type" json:"type" validate:"required"`
	Versions string `yaml:"versions,omitempty" json:"versions,omitempty"`
}

// Matches reports whether m's type matches the constraint's type pattern.
func (c Constraint) Matches(m Module) bool {
	if c.Type == "*" || c.Type == m.Type {
		return true
	}
	ok, err := doublestar.Match(c.Type, m.Type)
	return err == nil && ok
}

// Check validates m against the constraint's version range. A module without
// a version only passes an unconstrained range.
func (c Constraint) Check(m Module) error {
	if c.Versions == "" || c.Versions == "*" {
		return nil
	}
	rng, err := semver.NewConstraint(c.Versions)
	if err != nil {
		return fmt.Errorf("invalid version range %q for module type %s: %w", c.Versions, c.Type, err)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: %s has no version, %s requires %s", ErrUnsupportedModule, m, m.Type, c.Versions)
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return fmt.Errorf("%w: %s has invalid version %q: %v", ErrUnsupportedModule, m, m.Version, err)
	}
	if ok, errs := rng.Validate(v); !ok {
		return fmt.Errorf("%w: %s %s: %v", ErrUnsupportedModule, m, m.Version, errors.Join(errs...))
	}
	return nil
}

// Supported checks m against a constraint list. An empty list accepts every
// module.
func Supported(constraints []Constraint, m Module) error {
	if len(constraints) == 0 {
		return nil
	}
	var lastErr error
	for _, c := range constraints {
		if !c.Matches(m) {
			continue
		}
		if err := c.Check(m); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%w: module type %q of %s", ErrUnsupportedModule, m.Type, m)
}
