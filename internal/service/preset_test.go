package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sakif/devflow-exec/internal/apperror"
	"github.com/sakif/devflow-exec/internal/executor"
	"github.com/sakif/devflow-exec/internal/model"
	"github.com/sakif/devflow-exec/internal/repository"
)

// =========================================================================
// MOCK REPOSITORY
// =========================================================================

// mockPresetRepo implements repository.PresetRepository in memory, including
// the unique-name rule the SQLite schema enforces.
type mockPresetRepo struct {
	mu      sync.Mutex
	presets map[string]*model.Preset
	nextID  int
	listErr error
}

var _ repository.PresetRepository = (*mockPresetRepo)(nil)

func newMockRepo() *mockPresetRepo {
	return &mockPresetRepo{presets: make(map[string]*model.Preset)}
}

func (m *mockPresetRepo) nameTaken(name, exceptID string) bool {
	for id, p := range m.presets {
		if p.Name == name && id != exceptID {
			return true
		}
	}
	return false
}

func (m *mockPresetRepo) Create(_ context.Context, preset *model.Preset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nameTaken(preset.Name, "") {
		return apperror.Conflict("preset", preset.Name)
	}
	m.nextID++
	preset.ID = fmt.Sprintf("mock-%d", m.nextID)
	preset.CreatedAt = time.Now()
	preset.UpdatedAt = preset.CreatedAt
	stored := *preset
	m.presets[preset.ID] = &stored
	return nil
}

func (m *mockPresetRepo) GetByID(_ context.Context, id string) (*model.Preset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presets[id]
	if !ok {
		return nil, apperror.NotFound("preset", id)
	}
	result := *p
	return &result, nil
}

func (m *mockPresetRepo) GetByName(_ context.Context, name string) (*model.Preset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.presets {
		if p.Name == name {
			result := *p
			return &result, nil
		}
	}
	return nil, apperror.NotFound("preset", name)
}

func (m *mockPresetRepo) List(_ context.Context, opts repository.ListOptions) ([]model.Preset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	result := make([]model.Preset, 0, len(m.presets))
	for _, p := range m.presets {
		result = append(result, *p)
	}
	if opts.Offset >= len(result) {
		return []model.Preset{}, nil
	}
	result = result[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(result) {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (m *mockPresetRepo) Update(_ context.Context, preset *model.Preset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.presets[preset.ID]; !ok {
		return apperror.NotFound("preset", preset.ID)
	}
	if m.nameTaken(preset.Name, preset.ID) {
		return apperror.Conflict("preset", preset.Name)
	}
	stored := *preset
	m.presets[preset.ID] = &stored
	return nil
}

func (m *mockPresetRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.presets[id]; !ok {
		return apperror.NotFound("preset", id)
	}
	delete(m.presets, id)
	return nil
}

func (m *mockPresetRepo) MarkRun(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presets[id]
	if !ok {
		return apperror.NotFound("preset", id)
	}
	p.LastRunAt = &at
	return nil
}

// =========================================================================
// TEST HELPER
// =========================================================================

func newTestPresetService(t *testing.T) (*PresetService, *mockPresetRepo, *mockExecutor) {
	t.Helper()
	repo := newMockRepo()
	exec := &mockExecutor{}
	runs := NewRunService(exec, blockingConfig(), nil, newTestLogger())
	return NewPresetService(repo, runs, newTestLogger()), repo, exec
}

func validInput(name string) PresetInput {
	return PresetInput{Name: name, Command: "make test"}
}

// =========================================================================
// CREATE TESTS
// =========================================================================

func TestPresetCreate_Success(t *testing.T) {
	svc, _, _ := newTestPresetService(t)

	preset, err := svc.Create(context.Background(), PresetInput{
		Name:        "  container tests  ",
		Description: "  runs go test in docker ",
		Command:     "go test ./...",
		Profile:     "docker",
		Docker:      executor.DockerConfig{Image: "golang:1.25", MemLimit: "1g"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if preset.ID == "" {
		t.Error("expected preset to have an ID")
	}
	if preset.Name != "container tests" {
		t.Errorf("Name = %q, want trimmed %q", preset.Name, "container tests")
	}
	if preset.Description != "runs go test in docker" {
		t.Errorf("Description = %q, want trimmed", preset.Description)
	}
	if preset.Profile != executor.ProfileDocker {
		t.Errorf("Profile = %q, want %q", preset.Profile, executor.ProfileDocker)
	}
}

func TestPresetCreate_DefaultsToNative(t *testing.T) {
	svc, _, _ := newTestPresetService(t)

	preset, err := svc.Create(context.Background(), validInput("plain"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if preset.Profile != executor.ProfileNative {
		t.Errorf("Profile = %q, want %q", preset.Profile, executor.ProfileNative)
	}
}

func TestPresetCreate_Validation(t *testing.T) {
	tests := []struct {
		name  string
		input PresetInput
	}{
		{"empty name", PresetInput{Command: "ls"}},
		{"whitespace name", PresetInput{Name: "   ", Command: "ls"}},
		{"long name", PresetInput{Name: strings.Repeat("a", MaxPresetNameLength+1), Command: "ls"}},
		{"long description", PresetInput{Name: "x", Description: strings.Repeat("d", MaxDescriptionLength+1), Command: "ls"}},
		{"empty command", PresetInput{Name: "x"}},
		{"unknown profile", PresetInput{Name: "x", Command: "ls", Profile: "lxc"}},
		{"negative timeout", PresetInput{Name: "x", Command: "ls", TimeoutSeconds: -5}},
		{"timeout too large", PresetInput{Name: "x", Command: "ls", TimeoutSeconds: MaxTimeoutSeconds + 1}},
		{"bad image", PresetInput{Name: "x", Command: "ls", Profile: "docker", Docker: executor.DockerConfig{Image: "$(id)"}}},
		{"bad ssh user", PresetInput{Name: "x", Command: "ls", Profile: "ssh", SSH: executor.SSHConfig{User: "a b"}}},
		{"bad env name", PresetInput{Name: "x", Command: "ls", Env: map[string]string{"1ABC": "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _ := newTestPresetService(t)

			_, err := svc.Create(context.Background(), tt.input)
			if !errors.Is(err, apperror.ErrValidation) {
				t.Errorf("Create() error = %v, want ErrValidation", err)
			}
			if len(repo.presets) != 0 {
				t.Errorf("invalid preset was stored")
			}
		})
	}
}

func TestPresetCreate_DuplicateName(t *testing.T) {
	svc, _, _ := newTestPresetService(t)

	if _, err := svc.Create(context.Background(), validInput("build")); err != nil {
		t.Fatalf("setup: Create() error = %v", err)
	}
	_, err := svc.Create(context.Background(), validInput("build"))
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("Create() duplicate error = %v, want ErrConflict", err)
	}
}

// =========================================================================
// GET / LIST TESTS
// =========================================================================

func TestPresetGetByID(t *testing.T) {
	svc, _, _ := newTestPresetService(t)
	created, _ := svc.Create(context.Background(), validInput("lint"))

	found, err := svc.GetByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if found.Name != "lint" {
		t.Errorf("Name = %q, want %q", found.Name, "lint")
	}

	if _, err := svc.GetByID(context.Background(), "nonexistent"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByID(nonexistent) error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetByID(context.Background(), " "); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("GetByID(blank) error = %v, want ErrValidation", err)
	}
}

func TestPresetGetByName(t *testing.T) {
	svc, _, _ := newTestPresetService(t)
	created, _ := svc.Create(context.Background(), validInput("deploy"))

	found, err := svc.GetByName(context.Background(), " deploy ")
	if err != nil {
		t.Fatalf("GetByName() error = %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("ID = %q, want %q", found.ID, created.ID)
	}
}

func TestPresetList_ClampsBadValues(t *testing.T) {
	svc, _, _ := newTestPresetService(t)
	for i := 0; i < 3; i++ {
		svc.Create(context.Background(), validInput(fmt.Sprintf("p%d", i)))
	}

	presets, err := svc.List(context.Background(), -5, -10)
	if err != nil {
		t.Fatalf("List() should handle negative values gracefully, got error = %v", err)
	}
	if len(presets) != 3 {
		t.Errorf("List() returned %d items, want 3", len(presets))
	}
}

func TestPresetList_RepositoryError(t *testing.T) {
	svc, repo, _ := newTestPresetService(t)
	repo.listErr = errors.New("disk I/O error")

	if _, err := svc.List(context.Background(), 10, 0); err == nil {
		t.Fatal("List() should surface repository errors")
	}
}

// =========================================================================
// UPDATE / DELETE TESTS
// =========================================================================

func TestPresetUpdate_Success(t *testing.T) {
	svc, _, _ := newTestPresetService(t)
	created, _ := svc.Create(context.Background(), validInput("original"))

	updated, err := svc.Update(context.Background(), created.ID, PresetInput{
		Name:    "renamed",
		Command: "make lint",
		Profile: "ssh",
		SSH:     executor.SSHConfig{Host: "ci.example.com", User: "runner"},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Name != "renamed" || updated.Command != "make lint" {
		t.Errorf("after update = (%q, %q), want (renamed, make lint)", updated.Name, updated.Command)
	}
	if updated.Profile != executor.ProfileSSH {
		t.Errorf("Profile = %q, want ssh", updated.Profile)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt changed on update")
	}
}

func TestPresetUpdate_NotFound(t *testing.T) {
	svc, _, _ := newTestPresetService(t)

	_, err := svc.Update(context.Background(), "nonexistent", validInput("x"))
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestPresetUpdate_InvalidInputLeavesStoredPreset(t *testing.T) {
	svc, repo, _ := newTestPresetService(t)
	created, _ := svc.Create(context.Background(), validInput("stable"))

	_, err := svc.Update(context.Background(), created.ID, PresetInput{Name: "stable", Command: ""})
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("Update() error = %v, want ErrValidation", err)
	}
	if repo.presets[created.ID].Command != "make test" {
		t.Errorf("stored command = %q, want unchanged", repo.presets[created.ID].Command)
	}
}

func TestPresetDelete(t *testing.T) {
	svc, _, _ := newTestPresetService(t)
	created, _ := svc.Create(context.Background(), validInput("to delete"))

	if err := svc.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := svc.GetByID(context.Background(), created.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("after delete: error = %v, want ErrNotFound", err)
	}
	if err := svc.Delete(context.Background(), ""); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("Delete(\"\") error = %v, want ErrValidation", err)
	}
}

// =========================================================================
// RUN TESTS
// =========================================================================

func TestPresetRun(t *testing.T) {
	svc, repo, exec := newTestPresetService(t)
	created, err := svc.Create(context.Background(), PresetInput{
		Name:           "integration",
		Command:        "make integration",
		Cwd:            "/src/app",
		Env:            map[string]string{"CI": "1"},
		TimeoutSeconds: 600,
		Profile:        "docker",
		Docker:         executor.DockerConfig{Image: "golang:1.25"},
	})
	if err != nil {
		t.Fatalf("setup: Create() error = %v", err)
	}

	res, err := svc.Run(context.Background(), created.ID, false, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.RunID == "" {
		t.Error("Run() result has no run ID")
	}

	req := exec.lastCall(t)
	if req.Command != "make integration" || req.Cwd != "/src/app" || req.TimeoutSeconds != 600 {
		t.Errorf("request = %+v, does not match preset", req)
	}
	if req.Profile != executor.ProfileDocker || req.Docker.Image != "golang:1.25" {
		t.Errorf("profile config = %q %+v", req.Profile, req.Docker)
	}
	if req.Env["CI"] != "1" {
		t.Errorf("Env = %v", req.Env)
	}
	if repo.presets[created.ID].LastRunAt == nil {
		t.Error("LastRunAt was not stamped")
	}
}

// Each run gets its own run ID.
func TestPresetRun_FreshRunIDs(t *testing.T) {
	svc, _, _ := newTestPresetService(t)
	created, _ := svc.Create(context.Background(), validInput("twice"))

	first, err := svc.Run(context.Background(), created.ID, false, nil)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	second, err := svc.Run(context.Background(), created.ID, false, nil)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if first.RunID == second.RunID {
		t.Errorf("both runs got run ID %q", first.RunID)
	}
}

func TestPresetRun_SafetyRejectionNotStamped(t *testing.T) {
	svc, repo, exec := newTestPresetService(t)
	created, err := svc.Create(context.Background(), PresetInput{Name: "wipe", Command: "sudo rm -rf /var/tmp/cache"})
	if err != nil {
		t.Fatalf("setup: Create() error = %v", err)
	}

	_, err = svc.Run(context.Background(), created.ID, false, nil)
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("Run() error = %v, want ErrValidation", err)
	}
	if exec.callCount() != 0 {
		t.Error("blocked preset was executed")
	}
	if repo.presets[created.ID].LastRunAt != nil {
		t.Error("LastRunAt stamped for a rejected run")
	}

	if _, err := svc.Run(context.Background(), created.ID, true, nil); err != nil {
		t.Fatalf("Run(allowDangerous) error = %v", err)
	}
	if exec.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1", exec.callCount())
	}
}

func TestPresetRun_SpawnFailureStillStamped(t *testing.T) {
	svc, repo, exec := newTestPresetService(t)
	exec.err = &executor.RunError{Kind: executor.ErrSpawnFailed, RunID: "r", Err: errors.New("exec: not found")}
	created, _ := svc.Create(context.Background(), validInput("broken"))

	_, err := svc.Run(context.Background(), created.ID, false, nil)
	if !errors.Is(err, executor.ErrSpawnFailed) {
		t.Fatalf("Run() error = %v, want ErrSpawnFailed", err)
	}
	if repo.presets[created.ID].LastRunAt == nil {
		t.Error("LastRunAt not stamped after an attempted run")
	}
}

func TestPresetRunByName(t *testing.T) {
	svc, _, exec := newTestPresetService(t)
	svc.Create(context.Background(), PresetInput{Name: "uptime", Command: "uptime"})

	if _, err := svc.RunByName(context.Background(), "uptime", false, nil); err != nil {
		t.Fatalf("RunByName() error = %v", err)
	}
	if got := exec.lastCall(t).Command; got != "uptime" {
		t.Errorf("Command = %q, want uptime", got)
	}

	if _, err := svc.RunByName(context.Background(), "missing", false, nil); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("RunByName(missing) error = %v, want ErrNotFound", err)
	}
}
