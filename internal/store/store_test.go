package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func sampleSession() *domain.Session {
	s := domain.NewSession()
	s.Transcript = []domain.TranscriptEntry{
		{Role: domain.RoleUser, Text: "vintage lamp"},
		{Role: domain.RoleAssistant, Text: "Here are 2 results for \"vintage lamp\"."},
	}
	s.Results = []domain.Product{
		{ID: "p1", Title: "Brass lamp", Price: "40", ConditionDescription: "Used", GalleryURLs: []string{"a.jpg"}},
		{ID: "p2", Title: "Glass lamp", Price: "25.5", ConditionDescription: "New"},
	}
	s.Cursor = "2"
	s.Mode = domain.ModeVoice
	s.Generation = 4
	s.Query = "vintage lamp"
	return s
}

func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Repository{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := repo.GetSession(ctx, "anon:tab")
			if err != nil || got != nil {
				t.Fatalf("GetSession(missing) = %v, %v; want nil, nil", got, err)
			}

			want := sampleSession()
			if err := repo.SaveSession(ctx, "anon:tab", want); err != nil {
				t.Fatalf("SaveSession() error = %v", err)
			}
			got, err = repo.GetSession(ctx, "anon:tab")
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(domain.Session{}, "UpdatedAt")); diff != "" {
				t.Fatalf("restored session mismatch (-want +got):\n%s", diff)
			}
			if got.UpdatedAt.IsZero() {
				t.Fatal("UpdatedAt should be populated on load")
			}

			want.Generation = 5
			want.Results = want.Results[:1]
			if err := repo.SaveSession(ctx, "anon:tab", want); err != nil {
				t.Fatalf("SaveSession(overwrite) error = %v", err)
			}
			got, _ = repo.GetSession(ctx, "anon:tab")
			if got.Generation != 5 || len(got.Results) != 1 {
				t.Fatalf("overwrite not applied: gen=%d results=%d", got.Generation, len(got.Results))
			}

			if err := repo.DeleteSession(ctx, "anon:tab"); err != nil {
				t.Fatalf("DeleteSession() error = %v", err)
			}
			got, _ = repo.GetSession(ctx, "anon:tab")
			if got != nil {
				t.Fatal("session should be gone after delete")
			}
		})
	}
}

func TestRepositoryKeysAreIsolated(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := sampleSession()
			second := domain.NewSession()
			second.Query = "desk"

			if err := repo.SaveSession(ctx, "anon:tab-1", first); err != nil {
				t.Fatal(err)
			}
			if err := repo.SaveSession(ctx, "anon:tab-2", second); err != nil {
				t.Fatal(err)
			}

			got, _ := repo.GetSession(ctx, "anon:tab-2")
			if got.Query != "desk" || len(got.Results) != 0 {
				t.Fatalf("tab-2 leaked tab-1 state: %+v", got)
			}
		})
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := repo.SaveSession(ctx, "k", sampleSession()); err != nil {
				t.Fatal(err)
			}

			n, err := repo.CleanupExpiredSessions(ctx, time.Hour)
			if err != nil {
				t.Fatalf("CleanupExpiredSessions() error = %v", err)
			}
			if n != 0 {
				t.Fatalf("fresh session swept: removed %d", n)
			}

			n, err = repo.CleanupExpiredSessions(ctx, -time.Hour)
			if err != nil {
				t.Fatalf("CleanupExpiredSessions() error = %v", err)
			}
			if n != 1 {
				t.Fatalf("removed %d, want 1", n)
			}
			if got, _ := repo.GetSession(ctx, "k"); got != nil {
				t.Fatal("expired session still present")
			}
		})
	}
}

func TestNewSelectsBackend(t *testing.T) {
	repo, err := New(":memory:")
	if err != nil {
		t.Fatalf("New(:memory:) error = %v", err)
	}
	if _, ok := repo.(*MemoryStore); !ok {
		t.Fatalf("New(:memory:) = %T, want *MemoryStore", repo)
	}
	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
