package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/narvanalabs/buildmaster/internal/history"
	"github.com/narvanalabs/buildmaster/internal/secrets"
	"github.com/narvanalabs/buildmaster/internal/slave"
	"github.com/narvanalabs/buildmaster/internal/source"
	"github.com/narvanalabs/buildmaster/pkg/config"
	"github.com/narvanalabs/buildmaster/pkg/logger"
)

// ErrStepFailed is returned when a build step ran but did not succeed.
var ErrStepFailed = errors.New("build step failed")

// Logfile names written for every step.
const (
	StdoutLog = "stdout"
	ResultLog = "result"
)

const (
	buildKeyPrefix = "build-"
	// maxBuildKeyAttempts bounds the search for a free build number when
	// concurrent builds of one project race for the same key.
	maxBuildKeyAttempts = 100
)

// SlaveProvider hands out slaves by name.
type SlaveProvider interface {
	Acquire(ctx context.Context, name string) (slave.Slave, error)
}

// StepResult is written as JSON to the result logfile of each step.
type StepResult struct {
	Step      string    `json:"step"`
	Slave     string    `json:"slave"`
	Argv      []string  `json:"argv"`
	Stamp     string    `json:"stamp,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	ExitCode  int       `json:"exit_code"`
	Duration  string    `json:"duration,omitempty"`
	TimedOut  bool      `json:"timed_out,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	Error     string    `json:"error,omitempty"`
	Succeeded bool      `json:"succeeded"`
}

// BuildAction runs the steps of one project. Each invocation creates the
// next free build-N under the project and one step per configured step,
// and stops at the first step that does not succeed.
type BuildAction struct {
	project config.ProjectDef
	history *history.Manager
	slaves  SlaveProvider
	logger  *logger.Logger
	secrets map[string]map[string]string // step -> opened env
}

// BuildOption configures a BuildAction.
type BuildOption func(*BuildAction)

// WithStepSecrets adds opened secret values, keyed by step name, to the
// environment of each step. They take precedence over plain env values and
// are masked in recorded output.
func WithStepSecrets(secrets map[string]map[string]string) BuildOption {
	return func(a *BuildAction) {
		a.secrets = secrets
	}
}

// NewBuildAction creates the action for project.
func NewBuildAction(project config.ProjectDef, hist *history.Manager, slaves SlaveProvider, log *slog.Logger, opts ...BuildOption) *BuildAction {
	if log == nil {
		log = slog.Default()
	}
	a := &BuildAction{
		project: project,
		history: hist,
		slaves:  slaves,
		logger:  (&logger.Logger{Logger: log}).WithComponent("build"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run implements scheduler.Action.
func (a *BuildAction) Run(ctx context.Context, actx any, stamp source.Stamp) error {
	ctx = logger.ContextWithProject(ctx, a.project.Name)

	project, err := a.history.Project(ctx, a.project.Name, true)
	if err != nil {
		return fmt.Errorf("opening project %s: %w", a.project.Name, err)
	}
	build, err := a.newBuild(ctx, project)
	if err != nil {
		return err
	}
	path, err := build.IDPath()
	if err != nil {
		return err
	}

	ctx = logger.ContextWithBuildPath(ctx, path.String())
	log := a.logger.WithContext(ctx)
	log.Info("build started", "stamp", describe(stamp), "steps", len(a.project.Steps))

	start := time.Now()
	for _, def := range a.project.Steps {
		if err := a.runStep(ctx, build, def, stamp); err != nil {
			log.Warn("build failed", "step", def.Name, "error", err, "duration", time.Since(start))
			return fmt.Errorf("build %s: step %s: %w", path, def.Name, err)
		}
	}

	log.Info("build succeeded", "duration", time.Since(start))
	return nil
}

// newBuild creates the build with the next free number, moving on when a
// concurrent build took the key first.
func (a *BuildAction) newBuild(ctx context.Context, project *history.Project) (*history.Build, error) {
	keys, err := project.ChildKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing builds of %s: %w", a.project.Name, err)
	}

	next := nextBuildNumber(keys)
	for range maxBuildKeyAttempts {
		build, err := project.NewBuild(ctx, buildKey(next))
		if err == nil {
			return build, nil
		}
		if !errors.Is(err, history.ErrKeyConflict) {
			return nil, fmt.Errorf("creating build of %s: %w", a.project.Name, err)
		}
		next++
	}
	return nil, fmt.Errorf("no free build number for %s: %w", a.project.Name, history.ErrKeyConflict)
}

func buildKey(n int) string {
	return buildKeyPrefix + strconv.Itoa(n)
}

// nextBuildNumber returns one more than the highest build-N among keys.
func nextBuildNumber(keys []string) int {
	highest := 0
	for _, key := range keys {
		n, err := strconv.Atoi(strings.TrimPrefix(key, buildKeyPrefix))
		if err != nil || !strings.HasPrefix(key, buildKeyPrefix) {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest + 1
}

func (a *BuildAction) runStep(ctx context.Context, build *history.Build, def config.StepDef, stamp source.Stamp) error {
	ctx = logger.ContextWithSlave(ctx, def.Slave)
	log := a.logger.WithContext(ctx).With("step", def.Name)

	step, err := build.NewStep(ctx, def.Name)
	if err != nil {
		return err
	}
	stdout, err := step.NewLogfile(ctx, StdoutLog)
	if err != nil {
		return err
	}

	res := StepResult{
		Step:    def.Name,
		Slave:   def.Slave,
		Argv:    def.Argv(),
		Stamp:   describe(stamp),
		Started: time.Now().UTC(),
	}

	runErr := a.execute(ctx, def, stdout, &res, log)

	res.Finished = time.Now().UTC()
	if runErr != nil {
		res.Error = runErr.Error()
	}
	if err := writeResult(ctx, step, res); err != nil {
		log.Error("failed to write step result", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		return runErr
	}
	if !res.Succeeded {
		return fmt.Errorf("%w: exit code %d", ErrStepFailed, res.ExitCode)
	}
	return nil
}

// execute runs the step's command on its slave, streaming output into
// stdout and filling res from the command result.
func (a *BuildAction) execute(ctx context.Context, def config.StepDef, stdout *history.Logfile, res *StepResult, log *slog.Logger) error {
	sl, err := a.slaves.Acquire(ctx, def.Slave)
	if err != nil {
		return err
	}

	cmd := slave.NewShellCommand(def.Argv()...)
	cmd.Dir = def.WorkDir
	hidden := a.secrets[def.Name]
	cmd.Env = envList(def.Env, hidden)
	cmd.Timeout = def.Timeout
	cmd.UsePTY = def.UsePTY

	w := stdout.Writer(ctx)
	redactor := newRedactor(hidden)
	logged := false
	cmd.Output = func(stream slave.Stream, p []byte) {
		if _, err := w.Write(redactor.Redact(p)); err != nil && !logged {
			logged = true
			log.Warn("failed to record step output", "error", err)
		}
	}

	log.Debug("dispatching step", "argv", res.Argv)
	if err := sl.RunCommand(cmd).Wait(ctx); err != nil {
		return err
	}

	result, ok := cmd.Result()
	if !ok {
		return fmt.Errorf("%w: command finished without a result", slave.ErrDispatchFault)
	}
	res.ExitCode = result.ExitCode
	res.Duration = result.Duration.String()
	res.TimedOut = result.TimedOut
	res.Failure = result.Failure
	res.Succeeded = result.Succeeded()
	return nil
}

func writeResult(ctx context.Context, step *history.Step, res StepResult) error {
	lf, err := step.NewLogfile(ctx, ResultLog)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding step result: %w", err)
	}
	return lf.Append(ctx, append(data, '\n'))
}

// envList flattens the env maps into KEY=value pairs. Later maps win.
func envList(envs ...map[string]string) []string {
	merged := make(map[string]string)
	for _, env := range envs {
		for k, v := range env {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	list := make([]string, 0, len(merged))
	for k, v := range merged {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func newRedactor(hidden map[string]string) *secrets.Redactor {
	if len(hidden) == 0 {
		return nil
	}
	values := make([]string, 0, len(hidden))
	for _, v := range hidden {
		values = append(values, v)
	}
	return secrets.NewRedactor(values...)
}

func describe(stamp source.Stamp) string {
	if stamp == nil {
		return ""
	}
	return stamp.Description()
}
