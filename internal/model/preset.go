// Package model defines the data structures persisted by the repository layer.
package model

import (
	"time"

	"github.com/sakif/devflow-exec/internal/executor"
)

// Preset is a named, stored run template. Running a preset turns it into an
// executor.Request with a fresh run ID; the run's result is never stored.
//
// Env and the profile configs are nested values, so the SQLite layer keeps
// them as JSON text columns rather than spreading them over extra tables.
type Preset struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Description    string                `json:"description"`
	Command        string                `json:"command"`
	Cwd            string                `json:"cwd,omitempty"`
	Env            map[string]string     `json:"env,omitempty"`
	TimeoutSeconds int                   `json:"timeout_seconds,omitempty"`
	Profile        executor.Profile      `json:"profile"`
	Docker         executor.DockerConfig `json:"docker"`
	SSH            executor.SSHConfig    `json:"ssh"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	// LastRunAt is set each time the preset is run; nil if it never ran.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// ToRequest builds the run request this preset describes. The env map is
// copied so the request can be handed to another goroutine safely.
func (p *Preset) ToRequest(runID string) executor.Request {
	var env map[string]string
	if len(p.Env) > 0 {
		env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			env[k] = v
		}
	}
	return executor.Request{
		RunID:          runID,
		Command:        p.Command,
		Cwd:            p.Cwd,
		Env:            env,
		TimeoutSeconds: p.TimeoutSeconds,
		Profile:        p.Profile,
		Docker:         p.Docker,
		SSH:            p.SSH,
	}
}
