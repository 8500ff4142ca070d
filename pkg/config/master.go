package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/buildmaster/internal/validation"
)

// Source types accepted in the master file.
const (
	SourceTypeCommand = "command"
	SourceTypeDir     = "dir"
	SourceTypeManual  = "manual"
)

// Scheduler types accepted in the master file.
const (
	SchedulerTypeChange      = "change"
	SchedulerTypePeriodic    = "periodic"
	SchedulerTypeTriggerable = "triggerable"
)

// Overlap policy names accepted in the master file.
const (
	OverlapConcurrent = "concurrent"
	OverlapSerialize  = "serialize"
	OverlapCoalesce   = "coalesce"
)

// urlSafeName matches names usable as history keys.
var urlSafeName = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

// MasterFile describes the sources, slaves and projects a build master runs.
type MasterFile struct {
	Sources  []SourceDef  `yaml:"sources"`
	Slaves   []SlaveDef   `yaml:"slaves"`
	Projects []ProjectDef `yaml:"projects"`
}

// SourceDef configures one source manager.
type SourceDef struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"`
	Repository   string        `yaml:"repository"`
	Command      string        `yaml:"command"`
	Dir          string        `yaml:"dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Version is the initial version of a manual source. Without it the
	// first pushed version is a change.
	Version string `yaml:"version"`
}

// SlaveDef declares a slave the master accepts. Local slaves run commands
// in the master process; all others must attach over gRPC.
type SlaveDef struct {
	Name    string `yaml:"name"`
	Local   bool   `yaml:"local"`
	WorkDir string `yaml:"workdir"`
}

// ProjectDef configures one project, its scheduler and its build steps.
type ProjectDef struct {
	Name      string       `yaml:"name"`
	Scheduler SchedulerDef `yaml:"scheduler"`
	Steps     []StepDef    `yaml:"steps"`
}

// SchedulerDef configures the scheduler that starts builds for a project.
type SchedulerDef struct {
	Type            string        `yaml:"type"`
	Sources         []string      `yaml:"sources"`
	Overlap         string        `yaml:"overlap"`
	TreeStableTimer time.Duration `yaml:"tree_stable_timer"`
	Interval        time.Duration `yaml:"interval"`
	OnlyIfChanged   bool          `yaml:"only_if_changed"`
}

// StepDef configures one build step.
type StepDef struct {
	Name    string            `yaml:"name"`
	Slave   string            `yaml:"slave"`
	Command []string          `yaml:"command"`
	Shell   string            `yaml:"shell"`
	WorkDir string            `yaml:"workdir"`
	Env     map[string]string `yaml:"env"`
	// Secrets are age sealed environment values, opened on the master
	// and masked in recorded output.
	Secrets map[string]string `yaml:"secrets"`
	Timeout time.Duration     `yaml:"timeout"`
	UsePTY  bool              `yaml:"use_pty"`
}

// HasSecrets reports whether any step of the file carries sealed secrets.
func (mf *MasterFile) HasSecrets() bool {
	for _, p := range mf.Projects {
		for _, s := range p.Steps {
			if len(s.Secrets) > 0 {
				return true
			}
		}
	}
	return false
}

// Argv returns the command line of the step, wrapping Shell in sh -c.
func (s StepDef) Argv() []string {
	if s.Shell != "" {
		return []string{"/bin/sh", "-c", s.Shell}
	}
	return s.Command
}

// LoadMasterFile reads and validates a master file.
func LoadMasterFile(path string) (*MasterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading master file: %w", err)
	}
	return ParseMasterFile(data)
}

// ParseMasterFile decodes and validates master file contents.
func ParseMasterFile(data []byte) (*MasterFile, error) {
	var mf MasterFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parsing master file: %w", err)
	}
	mf.applyDefaults()
	if err := mf.Validate(); err != nil {
		return nil, err
	}
	return &mf, nil
}

func (mf *MasterFile) applyDefaults() {
	for i := range mf.Sources {
		if mf.Sources[i].Type == "" {
			mf.Sources[i].Type = SourceTypeCommand
		}
	}
	for i := range mf.Projects {
		sch := &mf.Projects[i].Scheduler
		if sch.Type == "" {
			sch.Type = SchedulerTypeChange
		}
		if sch.Overlap == "" {
			sch.Overlap = OverlapConcurrent
		}
	}
}

// Validate checks names and cross references in the master file.
func (mf *MasterFile) Validate() error {
	var errs []error

	sources := make(map[string]bool)
	for _, s := range mf.Sources {
		if !urlSafeName.MatchString(s.Name) {
			errs = append(errs, fmt.Errorf("source name %q is not URL-safe", s.Name))
		}
		if sources[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate source %q", s.Name))
		}
		sources[s.Name] = true

		switch s.Type {
		case SourceTypeCommand:
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("source %q: command is required", s.Name))
			}
		case SourceTypeDir:
			if s.Dir == "" {
				errs = append(errs, fmt.Errorf("source %q: dir is required", s.Name))
			}
		case SourceTypeManual:
		default:
			errs = append(errs, fmt.Errorf("source %q: unknown type %q", s.Name, s.Type))
		}
	}

	slaves := make(map[string]bool)
	for _, s := range mf.Slaves {
		if err := validation.ValidateSlaveName(s.Name); err != nil {
			errs = append(errs, fmt.Errorf("slave: %w", err))
		}
		if slaves[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate slave %q", s.Name))
		}
		slaves[s.Name] = true
	}

	projects := make(map[string]bool)
	for _, p := range mf.Projects {
		if !urlSafeName.MatchString(p.Name) {
			errs = append(errs, fmt.Errorf("project name %q is not URL-safe", p.Name))
		}
		if projects[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate project %q", p.Name))
		}
		projects[p.Name] = true

		errs = append(errs, p.Scheduler.validate(p.Name, sources)...)

		if len(p.Steps) == 0 {
			errs = append(errs, fmt.Errorf("project %q: at least one step is required", p.Name))
		}
		steps := make(map[string]bool)
		for _, st := range p.Steps {
			if !urlSafeName.MatchString(st.Name) {
				errs = append(errs, fmt.Errorf("project %q: step name %q is not URL-safe", p.Name, st.Name))
			}
			if steps[st.Name] {
				errs = append(errs, fmt.Errorf("project %q: duplicate step %q", p.Name, st.Name))
			}
			steps[st.Name] = true
			if !slaves[st.Slave] {
				errs = append(errs, fmt.Errorf("project %q: step %q references unknown slave %q", p.Name, st.Name, st.Slave))
			}
			if len(st.Argv()) == 0 {
				errs = append(errs, fmt.Errorf("project %q: step %q has no command", p.Name, st.Name))
			}
			if err := validation.ValidateEnv(st.Env); err != nil {
				errs = append(errs, fmt.Errorf("project %q: step %q: env %w", p.Name, st.Name, err))
			}
			if err := validation.ValidateEnv(st.Secrets); err != nil {
				errs = append(errs, fmt.Errorf("project %q: step %q: secrets %w", p.Name, st.Name, err))
			}
		}
	}

	return errors.Join(errs...)
}

func (s SchedulerDef) validate(project string, sources map[string]bool) []error {
	var errs []error
	for _, name := range s.Sources {
		if !sources[name] {
			errs = append(errs, fmt.Errorf("project %q: scheduler references unknown source %q", project, name))
		}
	}
	switch s.Type {
	case SchedulerTypeChange:
		if len(s.Sources) == 0 {
			errs = append(errs, fmt.Errorf("project %q: change scheduler needs at least one source", project))
		}
	case SchedulerTypePeriodic:
		if s.Interval <= 0 {
			errs = append(errs, fmt.Errorf("project %q: periodic scheduler needs a positive interval", project))
		}
		if len(s.Sources) > 1 {
			errs = append(errs, fmt.Errorf("project %q: periodic scheduler takes at most one source", project))
		}
	case SchedulerTypeTriggerable:
	default:
		errs = append(errs, fmt.Errorf("project %q: unknown scheduler type %q", project, s.Type))
	}
	switch s.Overlap {
	case OverlapConcurrent, OverlapSerialize, OverlapCoalesce:
	default:
		errs = append(errs, fmt.Errorf("project %q: unknown overlap policy %q", project, s.Overlap))
	}
	return errs
}
