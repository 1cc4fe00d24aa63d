package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/devflow-exec/internal/apperror"
	"github.com/sakif/devflow-exec/internal/executor"
	"github.com/sakif/devflow-exec/internal/model"
	"github.com/sakif/devflow-exec/internal/repository"
)

// Validation and paging limits for presets.
const (
	MaxPresetNameLength  = 100
	MaxDescriptionLength = 1000
	DefaultListLimit     = 20
	MaxListLimit         = 100
)

// PresetInput carries the writable fields of a preset. Create and Update
// take the full set; there is no partial update.
type PresetInput struct {
	Name           string
	Description    string
	Command        string
	Cwd            string
	Env            map[string]string
	TimeoutSeconds int
	Profile        string
	Docker         executor.DockerConfig
	SSH            executor.SSHConfig
}

// PresetService handles business logic for stored run presets. Running a
// preset goes through the RunService so it gets the same validation,
// safety policy and metrics as an ad-hoc run.
type PresetService struct {
	repo   repository.PresetRepository
	runs   *RunService
	logger *slog.Logger
}

// NewPresetService creates a PresetService.
func NewPresetService(repo repository.PresetRepository, runs *RunService, logger *slog.Logger) *PresetService {
	return &PresetService{
		repo:   repo,
		runs:   runs,
		logger: logger,
	}
}

// Create validates and saves a new preset.
func (s *PresetService) Create(ctx context.Context, in PresetInput) (*model.Preset, error) {
	preset := &model.Preset{}
	if err := applyInput(preset, in); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, preset); err != nil {
		if !errors.Is(err, apperror.ErrConflict) {
			s.logger.Error("failed to create preset",
				slog.String("name", preset.Name),
				slog.String("error", err.Error()),
			)
		}
		return nil, fmt.Errorf("creating preset: %w", err)
	}

	s.logger.Info("preset created",
		slog.String("id", preset.ID),
		slog.String("name", preset.Name),
	)
	return preset, nil
}

// GetByID retrieves a preset by its ID.
// Returns apperror.ErrNotFound if the preset doesn't exist.
func (s *PresetService) GetByID(ctx context.Context, id string) (*model.Preset, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "preset ID is required")
	}
	return s.repo.GetByID(ctx, id)
}

// GetByName retrieves a preset by its unique name.
func (s *PresetService) GetByName(ctx context.Context, name string) (*model.Preset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperror.ValidationFailed("name", "preset name is required")
	}
	return s.repo.GetByName(ctx, name)
}

// List retrieves presets, newest first. limit is clamped to 1-100
// (default 20) and a negative offset is treated as 0.
func (s *PresetService) List(ctx context.Context, limit, offset int) ([]model.Preset, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	presets, err := s.repo.List(ctx, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.logger.Error("failed to list presets", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing presets: %w", err)
	}
	return presets, nil
}

// Update replaces the writable fields of an existing preset.
//
// Fetch then update: the NotFound error comes from GetByID, and the caller
// gets back the stored preset including its original CreatedAt.
func (s *PresetService) Update(ctx context.Context, id string, in PresetInput) (*model.Preset, error) {
	preset, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := applyInput(preset, in); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, preset); err != nil {
		if !errors.Is(err, apperror.ErrConflict) {
			s.logger.Error("failed to update preset",
				slog.String("id", preset.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, fmt.Errorf("updating preset: %w", err)
	}

	s.logger.Info("preset updated",
		slog.String("id", preset.ID),
		slog.String("name", preset.Name),
	)
	return preset, nil
}

// Delete removes a preset by its ID.
// Returns apperror.ErrNotFound if the preset doesn't exist.
func (s *PresetService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperror.ValidationFailed("id", "preset ID is required")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("preset deleted", slog.String("id", id))
	return nil
}

// Run executes the preset with a fresh run ID. allowDangerous is passed
// through to the safety policy. The preset's last-run time is stamped once
// the run got past validation, whatever its outcome.
func (s *PresetService) Run(ctx context.Context, id string, allowDangerous bool, obs executor.Observer) (*executor.Result, error) {
	preset, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, preset, allowDangerous, obs)
}

// RunByName is Run for callers that know the preset by name (the CLI).
func (s *PresetService) RunByName(ctx context.Context, name string, allowDangerous bool, obs executor.Observer) (*executor.Result, error) {
	preset, err := s.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, preset, allowDangerous, obs)
}

func (s *PresetService) run(ctx context.Context, preset *model.Preset, allowDangerous bool, obs executor.Observer) (*executor.Result, error) {
	req := preset.ToRequest("")
	req.AllowDangerous = allowDangerous

	res, err := s.runs.Run(ctx, req, obs)

	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		// The run context may already be canceled; the stamp still belongs
		// in the database.
		if markErr := s.repo.MarkRun(context.WithoutCancel(ctx), preset.ID, time.Now().UTC()); markErr != nil {
			s.logger.Warn("failed to record preset run",
				slog.String("id", preset.ID),
				slog.String("error", markErr.Error()),
			)
		}
	}
	return res, err
}

// applyInput validates in and copies it onto preset. The command and
// profile configuration go through the same checks as an ad-hoc run, so a
// stored preset can always be run.
func applyInput(preset *model.Preset, in PresetInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return apperror.ValidationFailed("name", "preset name is required")
	}
	if len(name) > MaxPresetNameLength {
		return apperror.ValidationFailed("name",
			fmt.Sprintf("preset name must be %d characters or less", MaxPresetNameLength))
	}
	description := strings.TrimSpace(in.Description)
	if len(description) > MaxDescriptionLength {
		return apperror.ValidationFailed("description",
			fmt.Sprintf("description must be %d characters or less", MaxDescriptionLength))
	}

	profile, err := executor.ParseProfile(in.Profile)
	if err != nil {
		return apperror.ValidationFailed("profile", err.Error())
	}
	if in.TimeoutSeconds < 0 {
		return apperror.ValidationFailed("timeout_seconds", "timeout must not be negative")
	}

	candidate := executor.Request{
		Command:        in.Command,
		Cwd:            in.Cwd,
		Env:            in.Env,
		TimeoutSeconds: in.TimeoutSeconds,
		Profile:        profile,
		Docker:         in.Docker,
		SSH:            in.SSH,
	}
	// Zero means "use the server default", which is always in range.
	if candidate.TimeoutSeconds == 0 {
		candidate.TimeoutSeconds = executor.DefaultTimeoutSeconds
	}
	if err := validateRequest(candidate); err != nil {
		return err
	}

	preset.Name = name
	preset.Description = description
	preset.Command = in.Command
	preset.Cwd = strings.TrimSpace(in.Cwd)
	preset.Env = in.Env
	preset.TimeoutSeconds = in.TimeoutSeconds
	preset.Profile = profile
	preset.Docker = in.Docker
	preset.SSH = in.SSH
	return nil
}
