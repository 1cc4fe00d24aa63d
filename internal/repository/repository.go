// Package repository declares the storage interfaces the service layer
// depends on. Implementations live in subpackages (see repository/sqlite).
package repository

import (
	"context"
	"time"

	"github.com/sakif/devflow-exec/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// PresetRepository stores run presets. Names are unique; Create and Update
// return an apperror conflict when a name is already taken.
type PresetRepository interface {
	Create(ctx context.Context, preset *model.Preset) error
	GetByID(ctx context.Context, id string) (*model.Preset, error)
	GetByName(ctx context.Context, name string) (*model.Preset, error)
	List(ctx context.Context, opts ListOptions) ([]model.Preset, error)
	Update(ctx context.Context, preset *model.Preset) error
	Delete(ctx context.Context, id string) error
	// MarkRun stamps the preset's last run time.
	MarkRun(ctx context.Context, id string, at time.Time) error
}
