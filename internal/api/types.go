package api

import (
	"time"

	"github.com/samcharles93/winnow/internal/report"
)

// CompressRequest submits a compression job. Recipe carries inline recipe
// YAML; RecipePath points at a recipe file. Exactly one must be set.
type CompressRequest struct {
	Model       string `json:"model"`
	Output      string `json:"output,omitempty"`
	Recipe      string `json:"recipe,omitempty"`
	RecipePath  string `json:"recipe_path,omitempty"`
	Calibration string `json:"calibration"`
	Device      string `json:"device,omitempty"`
}

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job is the externally visible state of one compression run.
type Job struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Request    CompressRequest `json:"request"`
	Report     *report.Report  `json:"report,omitempty"`
}
