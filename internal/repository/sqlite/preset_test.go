package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sakif/devflow-exec/internal/apperror"
	"github.com/sakif/devflow-exec/internal/executor"
	"github.com/sakif/devflow-exec/internal/model"
	"github.com/sakif/devflow-exec/internal/repository"
)

// newTestDB opens a fresh in-memory database that is closed when the test ends.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestPreset creates a preset and fails the test if it errors.
func createTestPreset(t *testing.T, db *DB, name, command string) *model.Preset {
	t.Helper()
	preset := &model.Preset{Name: name, Command: command, Profile: executor.ProfileNative}
	if err := db.Create(context.Background(), preset); err != nil {
		t.Fatalf("failed to create test preset: %v", err)
	}
	return preset
}

// =========================================================================
// CREATE TESTS
// =========================================================================

func TestCreate(t *testing.T) {
	db := newTestDB(t)

	preset := &model.Preset{Name: "hello", Command: "echo hello"}
	if err := db.Create(context.Background(), preset); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Create fills in the caller's struct
	if preset.ID == "" {
		t.Error("Create() did not set preset.ID")
	}
	if preset.CreatedAt.IsZero() {
		t.Error("Create() did not set preset.CreatedAt")
	}
	if preset.UpdatedAt.IsZero() {
		t.Error("Create() did not set preset.UpdatedAt")
	}
}

func TestCreate_RoundTripsNestedFields(t *testing.T) {
	db := newTestDB(t)

	original := &model.Preset{
		Name:           "integration",
		Description:    "runs the integration suite in a container",
		Command:        "make integration",
		Cwd:            "/src/app",
		Env:            map[string]string{"CI": "1", "GOFLAGS": "-count=1"},
		TimeoutSeconds: 900,
		Profile:        executor.ProfileDocker,
		Docker:         executor.DockerConfig{Image: "golang:1.25", CPULimit: "2", MemLimit: "2g"},
		SSH:            executor.SSHConfig{Host: "ci.example.com", User: "runner"},
	}
	if err := db.Create(context.Background(), original); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	found, err := db.GetByID(context.Background(), original.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	if found.Command != original.Command || found.Cwd != original.Cwd || found.Description != original.Description {
		t.Errorf("scalar fields = %+v, want %+v", found, original)
	}
	if found.Profile != executor.ProfileDocker {
		t.Errorf("Profile = %q, want %q", found.Profile, executor.ProfileDocker)
	}
	if found.TimeoutSeconds != 900 {
		t.Errorf("TimeoutSeconds = %d, want 900", found.TimeoutSeconds)
	}
	if len(found.Env) != 2 || found.Env["GOFLAGS"] != "-count=1" {
		t.Errorf("Env = %v, want %v", found.Env, original.Env)
	}
	if found.Docker != original.Docker {
		t.Errorf("Docker = %+v, want %+v", found.Docker, original.Docker)
	}
	if found.SSH != original.SSH {
		t.Errorf("SSH = %+v, want %+v", found.SSH, original.SSH)
	}
	if found.LastRunAt != nil {
		t.Errorf("LastRunAt = %v, want nil for a preset that never ran", found.LastRunAt)
	}
}

func TestCreate_DuplicateName(t *testing.T) {
	db := newTestDB(t)
	createTestPreset(t, db, "build", "make")

	err := db.Create(context.Background(), &model.Preset{Name: "build", Command: "make all"})
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("Create() duplicate error = %v, want ErrConflict", err)
	}
}

// =========================================================================
// GET TESTS
// =========================================================================

func TestGetByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetByID(context.Background(), "nonexistent-id")
	if err == nil {
		t.Fatal("GetByID() should have returned an error for nonexistent ID")
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestGetByName(t *testing.T) {
	db := newTestDB(t)
	created := createTestPreset(t, db, "lint", "golangci-lint run")

	found, err := db.GetByName(context.Background(), "lint")
	if err != nil {
		t.Fatalf("GetByName() error = %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("ID = %q, want %q", found.ID, created.ID)
	}

	if _, err := db.GetByName(context.Background(), "missing"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByName() error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// LIST TESTS
// =========================================================================

func TestList_Empty(t *testing.T) {
	db := newTestDB(t)

	presets, err := db.List(context.Background(), repository.ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(presets) != 0 {
		t.Errorf("List() returned %d presets, want 0", len(presets))
	}
}

func TestList_NewestFirst(t *testing.T) {
	db := newTestDB(t)

	createTestPreset(t, db, "first", "true")
	createTestPreset(t, db, "second", "true")
	last := createTestPreset(t, db, "third", "true")

	presets, err := db.List(context.Background(), repository.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(presets) != 3 {
		t.Fatalf("List() returned %d presets, want 3", len(presets))
	}
	if presets[0].ID != last.ID {
		t.Errorf("List()[0] = %q, want newest preset %q", presets[0].Name, last.Name)
	}
}

func TestList_Pagination(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 5; i++ {
		createTestPreset(t, db, fmt.Sprintf("preset-%d", i), "true")
	}

	tests := []struct {
		name  string
		opts  repository.ListOptions
		wantN int
	}{
		{"first page", repository.ListOptions{Limit: 2, Offset: 0}, 2},
		{"second page", repository.ListOptions{Limit: 2, Offset: 2}, 2},
		{"last page", repository.ListOptions{Limit: 2, Offset: 4}, 1},
		{"past the end", repository.ListOptions{Limit: 2, Offset: 10}, 0},
		{"negative offset", repository.ListOptions{Limit: 2, Offset: -3}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.List(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != tt.wantN {
				t.Errorf("List() returned %d items, want %d", len(got), tt.wantN)
			}
		})
	}
}

func TestList_DefaultLimit(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 25; i++ {
		createTestPreset(t, db, fmt.Sprintf("preset-%02d", i), "true")
	}

	presets, err := db.List(context.Background(), repository.ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(presets) != 20 {
		t.Errorf("List() default returned %d items, want 20", len(presets))
	}
}

// =========================================================================
// UPDATE / DELETE TESTS
// =========================================================================

func TestUpdate(t *testing.T) {
	db := newTestDB(t)
	original := createTestPreset(t, db, "original", "echo v1")

	original.Name = "renamed"
	original.Command = "echo v2"
	original.Env = map[string]string{"MODE": "fast"}
	if err := db.Update(context.Background(), original); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	found, err := db.GetByID(context.Background(), original.ID)
	if err != nil {
		t.Fatalf("GetByID() after update error = %v", err)
	}
	if found.Name != "renamed" || found.Command != "echo v2" {
		t.Errorf("after update = (%q, %q), want (renamed, echo v2)", found.Name, found.Command)
	}
	if found.Env["MODE"] != "fast" {
		t.Errorf("Env after update = %v", found.Env)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.Update(context.Background(), &model.Preset{ID: "nonexistent", Name: "x", Command: "true"})
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_NameTaken(t *testing.T) {
	db := newTestDB(t)
	createTestPreset(t, db, "taken", "true")
	other := createTestPreset(t, db, "other", "true")

	other.Name = "taken"
	if err := db.Update(context.Background(), other); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("Update() error = %v, want ErrConflict", err)
	}
}

func TestDelete(t *testing.T) {
	db := newTestDB(t)
	preset := createTestPreset(t, db, "to delete", "true")

	if err := db.Delete(context.Background(), preset.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err := db.GetByID(context.Background(), preset.ID)
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByID() after delete: error = %v, want ErrNotFound", err)
	}

	if err := db.Delete(context.Background(), preset.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestMarkRun(t *testing.T) {
	db := newTestDB(t)
	preset := createTestPreset(t, db, "nightly", "make nightly")

	at := time.Date(2026, 3, 1, 4, 30, 0, 0, time.UTC)
	if err := db.MarkRun(context.Background(), preset.ID, at); err != nil {
		t.Fatalf("MarkRun() error = %v", err)
	}

	found, err := db.GetByID(context.Background(), preset.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if found.LastRunAt == nil || !found.LastRunAt.Equal(at) {
		t.Errorf("LastRunAt = %v, want %v", found.LastRunAt, at)
	}

	if err := db.MarkRun(context.Background(), "missing", at); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("MarkRun() on missing preset error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// PERSISTENCE
// =========================================================================

// A file-backed database keeps presets across reopen, and re-running the
// migrations on an existing file is harmless.
func TestReopenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devflow.db")

	db, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	created := createTestPreset(t, db, "persisted", "echo hi")
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("New() on existing file error = %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	found, err := reopened.GetByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetByID() after reopen error = %v", err)
	}
	if found.Command != "echo hi" {
		t.Errorf("Command = %q, want %q", found.Command, "echo hi")
	}
}
