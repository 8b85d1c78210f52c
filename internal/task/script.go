package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"servctl/internal/module"
	"servctl/internal/progress"
	"servctl/internal/status"
	"servctl/pkg/logging"
)

// maxScriptOutput bounds the script output kept in a failure status.
const maxScriptOutput = 2048

// ScriptSpec describes a shell script run as a publish task. Scripts are
// interpreted in-process, so they behave the same on every platform.
type ScriptSpec struct {
	Name  string `yaml:"name" validate:"required"`
	Order int    `yaml:"order"`
	Scope Scope  `yaml:"scope" validate:"required,oneof=server module"`
	Run   string `yaml:"run" validate:"required"`
	Dir   string `yaml:"dir,omitempty"`
	// Optional tasks are offered to the caller instead of run on publish.
	Optional bool `yaml:"optional,omitempty"`
	// ServerTypes limits the task to these server type ids. Empty means all.
	ServerTypes []string `yaml:"serverTypes,omitempty"`
	// ModuleTypes limits a module task to module types matching these globs.
	ModuleTypes []string          `yaml:"moduleTypes,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
}

// Parse checks that the script is valid shell.
func (s ScriptSpec) Parse() (*syntax.File, error) {
	f, err := syntax.NewParser().Parse(strings.NewReader(s.Run), s.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script of task %s: %w", s.Name, err)
	}
	return f, nil
}

// RegisterScripts parses every spec and adds a factory of the right scope
// to reg.
func RegisterScripts(reg *Registry, specs []ScriptSpec) error {
	for _, spec := range specs {
		prog, err := spec.Parse()
		if err != nil {
			return err
		}
		spec := spec
		switch spec.Scope {
		case ScopeServer:
			reg.AddServerTask(func() ServerTask {
				return &scriptServerTask{scriptTask: scriptTask{spec: spec, prog: prog}}
			})
		case ScopeModule:
			reg.AddModuleTask(func() ModuleTask {
				return &scriptModuleTask{scriptTask: scriptTask{spec: spec, prog: prog}}
			})
		default:
			return fmt.Errorf("task %s: unknown scope %q", spec.Name, spec.Scope)
		}
		logging.Debug("Tasks", "Registered %s script task %s", spec.Scope, spec.Name)
	}
	return nil
}

type scriptTask struct {
	spec    ScriptSpec
	prog    *syntax.File
	target  Target
	env     []string
	applies bool
}

func (t *scriptTask) Name() string { return t.spec.Name }
func (t *scriptTask) Order() int   { return t.spec.Order }

func (t *scriptTask) Status() Status {
	switch {
	case !t.applies:
		return StatusUnnecessary
	case t.spec.Optional:
		return StatusPreferred
	default:
		return StatusMandatory
	}
}

func (t *scriptTask) initTarget(target Target) {
	t.target = target
	t.applies = len(t.spec.ServerTypes) == 0 || contains(t.spec.ServerTypes, target.TypeID())
	t.env = append(os.Environ(),
		"SERVCTL_SERVER_ID="+target.ID(),
		"SERVCTL_SERVER_NAME="+target.Name(),
		"SERVCTL_SERVER_TYPE="+target.TypeID(),
		"SERVCTL_CONFIGURATION_ID="+target.ConfigurationID(),
	)
	for k, v := range t.spec.Env {
		t.env = append(t.env, k+"="+v)
	}
}

func (t *scriptTask) Perform(ctx context.Context, mon progress.Monitor) *status.Status {
	mon.Begin(fmt.Sprintf("Running %s", t.spec.Name), 1)
	defer mon.Done()

	var out bytes.Buffer
	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(t.env...)),
		interp.StdIO(nil, &out, &out),
	}
	if t.spec.Dir != "" {
		opts = append(opts, interp.Dir(t.spec.Dir))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return status.Error(fmt.Sprintf("Task %s could not start", t.spec.Name), err)
	}

	err = runner.Run(ctx, t.prog)
	logging.Debug("Tasks", "Script %s output:\n%s", t.spec.Name, out.String())
	if err != nil {
		var exit interp.ExitStatus
		if errors.As(err, &exit) {
			err = fmt.Errorf("exit status %d: %s", int(exit), tail(out.String(), maxScriptOutput))
		}
		return status.Error(fmt.Sprintf("Task %s failed", t.spec.Name), err)
	}
	mon.Worked(1)
	return status.OK(fmt.Sprintf("Task %s succeeded", t.spec.Name))
}

type scriptServerTask struct {
	scriptTask
}

func (t *scriptServerTask) Init(target Target, occurrences []module.Occurrence) {
	t.initTarget(target)
	keys := make([]string, 0, len(occurrences))
	for _, o := range occurrences {
		keys = append(keys, o.Key())
	}
	t.env = append(t.env, "SERVCTL_MODULES="+strings.Join(keys, " "))
}

type scriptModuleTask struct {
	scriptTask
}

func (t *scriptModuleTask) Init(target Target, occ module.Occurrence) {
	t.initTarget(target)
	if t.applies && len(t.spec.ModuleTypes) > 0 {
		t.applies = matchesAny(t.spec.ModuleTypes, occ.Module.Type)
	}
	m := occ.Module
	t.env = append(t.env,
		"SERVCTL_MODULE_ID="+m.ID,
		"SERVCTL_MODULE_NAME="+m.Name,
		"SERVCTL_MODULE_TYPE="+m.Type,
		"SERVCTL_MODULE_VERSION="+m.Version,
		"SERVCTL_MODULE_SOURCE="+m.Source,
		"SERVCTL_MODULE_PATH="+occ.Key(),
	)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, s); err == nil && ok {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
