package memstore

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildmaster/internal/history"
)

func mustCreate(t *testing.T, s *Store, kind history.Kind, path ...string) {
	t.Helper()
	if err := s.Create(context.Background(), history.Record{Path: path, Kind: kind}); err != nil {
		t.Fatalf("Create(%v) error = %v", path, err)
	}
}

func TestCreateAndChildren(t *testing.T) {
	s := New()
	ctx := context.Background()

	mustCreate(t, s, history.KindProject, "b")
	mustCreate(t, s, history.KindProject, "a")
	mustCreate(t, s, history.KindBuild, "a", "build-2")
	mustCreate(t, s, history.KindBuild, "a", "build-1")

	projects, err := s.Children(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 || projects[0].Key() != "a" || projects[1].Key() != "b" {
		t.Errorf("Children(nil) = %v", projects)
	}

	builds, err := s.Children(ctx, history.Path{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 2 || builds[0].Key() != "build-1" || builds[1].Kind != history.KindBuild {
		t.Errorf("Children(a) = %v", builds)
	}

	if _, err := s.Children(ctx, history.Path{"missing"}); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Children(missing) error = %v, want ErrNotFound", err)
	}
}

// TestPropertyChildrenListsCreatedKeys verifies that Children returns each
// created key once, sorted, whatever the creation order and duplicates.
func TestPropertyChildrenListsCreatedKeys(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Children is the sorted set of created keys", prop.ForAll(
		func(keys []string) bool {
			ctx := context.Background()
			s := New()
			if err := s.Create(ctx, history.Record{Path: history.Path{"p"}, Kind: history.KindProject}); err != nil {
				return false
			}
			seen := make(map[string]bool)
			for _, key := range keys {
				err := s.Create(ctx, history.Record{Path: history.Path{"p", key}, Kind: history.KindBuild})
				if seen[key] != errors.Is(err, history.ErrKeyConflict) {
					return false
				}
				if err != nil && !seen[key] {
					return false
				}
				seen[key] = true
			}

			want := make([]string, 0, len(seen))
			for key := range seen {
				want = append(want, key)
			}
			sort.Strings(want)

			recs, err := s.Children(ctx, history.Path{"p"})
			if err != nil || len(recs) != len(want) {
				return false
			}
			for i, rec := range recs {
				if rec.Key() != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.RegexMatch(`^[a-z][a-z0-9-]{0,5}$`)),
	))

	properties.TestingRun(t)
}

func TestCreateErrors(t *testing.T) {
	s := New()
	ctx := context.Background()
	mustCreate(t, s, history.KindProject, "demo")

	err := s.Create(ctx, history.Record{Path: history.Path{"demo"}, Kind: history.KindProject})
	if !errors.Is(err, history.ErrKeyConflict) {
		t.Errorf("duplicate Create() error = %v, want ErrKeyConflict", err)
	}
	err = s.Create(ctx, history.Record{Path: history.Path{"demo", "x", "y"}, Kind: history.KindStep})
	if !errors.Is(err, history.ErrNotFound) {
		t.Errorf("orphan Create() error = %v, want ErrNotFound", err)
	}
	err = s.Create(ctx, history.Record{Path: history.Path{"demo", "bad key"}, Kind: history.KindBuild})
	if !errors.Is(err, history.ErrInvalidKey) {
		t.Errorf("invalid Create() error = %v, want ErrInvalidKey", err)
	}
}

func TestDeleteSubtree(t *testing.T) {
	s := New()
	ctx := context.Background()
	mustCreate(t, s, history.KindProject, "demo")
	mustCreate(t, s, history.KindBuild, "demo", "build-1")
	mustCreate(t, s, history.KindStep, "demo", "build-1", "compile")
	mustCreate(t, s, history.KindLogfile, "demo", "build-1", "compile", "stdout")
	mustCreate(t, s, history.KindBuild, "demo", "build-2")

	removed, err := s.Delete(ctx, history.Path{"demo", "build-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 3 {
		t.Errorf("Delete() removed %d records, want 3", len(removed))
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}

	children, _ := s.Children(ctx, history.Path{"demo"})
	if len(children) != 1 || children[0].Key() != "build-2" {
		t.Errorf("Children(demo) = %v", children)
	}
	if _, err := s.Get(ctx, history.Path{"demo", "build-1", "compile"}); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Get() of deleted record error = %v", err)
	}
	if _, err := s.Delete(ctx, history.Path{"demo", "build-1"}); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestRecordPathIsCopied(t *testing.T) {
	s := New()
	ctx := context.Background()
	mustCreate(t, s, history.KindProject, "demo")

	path := history.Path{"demo", "build-1"}
	if err := s.Create(ctx, history.Record{Path: path, Kind: history.KindBuild}); err != nil {
		t.Fatal(err)
	}
	path[1] = "mutated"

	rec, err := s.Get(ctx, history.Path{"demo", "build-1"})
	if err != nil || rec.Key() != "build-1" {
		t.Errorf("Get() = %v, %v", rec, err)
	}
}

func TestClosed(t *testing.T) {
	s := New()
	s.Close()
	if _, err := s.Get(context.Background(), history.Path{"demo"}); !errors.Is(err, history.ErrClosed) {
		t.Errorf("Get() after Close error = %v, want ErrClosed", err)
	}
}
