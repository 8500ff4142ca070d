// Package cleanup prunes old builds from the history so that logfile storage
// stays bounded.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/buildmaster/internal/history"
)

// Default values for cleanup settings.
const (
	DefaultBuildRetention = 30 * 24 * time.Hour // 30 days
	DefaultMinBuildsKept  = 5
	DefaultInterval       = time.Hour
)

// Settings holds the retention policy.
type Settings struct {
	// BuildRetention is how long a build is kept after it was created. Zero
	// keeps builds regardless of age.
	BuildRetention time.Duration `json:"build_retention"`
	// MinBuildsKept is the number of newest builds per project that are
	// never pruned, regardless of age.
	MinBuildsKept int `json:"min_builds_kept"`
	// Interval is the time between two pruning passes.
	Interval time.Duration `json:"interval"`
}

// DefaultSettings returns the default retention policy.
func DefaultSettings() *Settings {
	return &Settings{
		BuildRetention: DefaultBuildRetention,
		MinBuildsKept:  DefaultMinBuildsKept,
		Interval:       DefaultInterval,
	}
}

// Validate checks that every setting is usable.
func (s *Settings) Validate() error {
	if s.BuildRetention < 0 {
		return fmt.Errorf("build_retention must not be negative, got %v", s.BuildRetention)
	}
	if s.MinBuildsKept < 0 {
		return fmt.Errorf("min_builds_kept must not be negative, got %d", s.MinBuildsKept)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", s.Interval)
	}
	return nil
}

// PruneResult summarizes one pruning pass.
type PruneResult struct {
	ProjectsScanned int           `json:"projects_scanned"`
	BuildsPruned    int           `json:"builds_pruned"`
	Errors          []string      `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Service periodically deletes builds that fell out of the retention window.
type Service struct {
	history  *history.Manager
	settings *Settings
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. A nil settings uses the defaults.
func NewService(mgr *history.Manager, settings *Settings, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if settings == nil {
		settings = DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cleanup settings: %w", err)
	}
	return &Service{
		history:  mgr,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Settings returns the retention policy in use.
func (s *Service) Settings() Settings {
	return *s.settings
}

// PruneBuilds deletes every build older than the retention period, except
// the MinBuildsKept newest builds of each project.
func (s *Service) PruneBuilds(ctx context.Context) (*PruneResult, error) {
	if s.settings.BuildRetention == 0 {
		return &PruneResult{}, nil
	}
	return s.prune(ctx, s.now().Add(-s.settings.BuildRetention))
}

// PruneExcess deletes every build beyond the MinBuildsKept newest of each
// project, regardless of age.
func (s *Service) PruneExcess(ctx context.Context) (*PruneResult, error) {
	return s.prune(ctx, time.Time{})
}

// prune removes the builds created before cutoff that are not among the
// newest MinBuildsKept. A zero cutoff matches every build.
func (s *Service) prune(ctx context.Context, cutoff time.Time) (*PruneResult, error) {
	start := time.Now()
	result := &PruneResult{}

	names, err := s.history.ProjectNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	s.logger.Debug("starting build pruning",
		"retention", s.settings.BuildRetention,
		"min_kept", s.settings.MinBuildsKept,
		"cutoff", cutoff,
		"projects", len(names),
	)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.ProjectsScanned++

		pruned, err := s.pruneProject(ctx, name, cutoff)
		result.BuildsPruned += pruned
		if err != nil {
			s.logger.Error("failed to prune project", "project", name, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("project %s: %v", name, err))
		}
	}

	result.Duration = time.Since(start)
	if result.BuildsPruned > 0 || len(result.Errors) > 0 {
		s.logger.Info("build pruning completed",
			"projects_scanned", result.ProjectsScanned,
			"builds_pruned", result.BuildsPruned,
			"errors", len(result.Errors),
			"duration", result.Duration,
		)
	}
	return result, nil
}

type buildInfo struct {
	key     string
	created time.Time
}

func (s *Service) pruneProject(ctx context.Context, name string, cutoff time.Time) (int, error) {
	project, err := s.history.Project(ctx, name, false)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	keys, err := project.ChildKeys(ctx)
	if err != nil {
		return 0, err
	}

	var builds []buildInfo
	for _, key := range keys {
		child, err := project.Child(ctx, key)
		if err != nil {
			if errors.Is(err, history.ErrNotFound) {
				continue
			}
			return 0, err
		}
		if child.Kind() != history.KindBuild {
			continue
		}
		builds = append(builds, buildInfo{key: key, created: child.(*history.Build).Created()})
	}

	pruned := 0
	for _, b := range selectPrunable(builds, s.settings.MinBuildsKept, cutoff) {
		if err := project.DeleteChild(ctx, b.key); err != nil {
			if errors.Is(err, history.ErrNotFound) {
				continue
			}
			return pruned, fmt.Errorf("deleting %s: %w", b.key, err)
		}
		pruned++
		s.logger.Debug("pruned build", "project", name, "build", b.key, "created", b.created)
	}
	return pruned, nil
}

// selectPrunable returns the builds past the keep newest that were created
// before cutoff.
func selectPrunable(builds []buildInfo, keep int, cutoff time.Time) []buildInfo {
	sorted := make([]buildInfo, len(builds))
	copy(sorted, builds)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].created.After(sorted[j].created)
	})

	if keep > len(sorted) {
		keep = len(sorted)
	}
	var out []buildInfo
	for _, b := range sorted[keep:] {
		if cutoff.IsZero() || b.created.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out
}

// Start runs PruneBuilds every Interval until Stop or ctx is done. It does
// nothing when age based pruning is off.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.settings.BuildRetention == 0 {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PruneBuilds(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("build pruning failed", "error", err)
			}
		}
	}
}

// Stop ends the pruning loop and waits for a running pass to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
