package models

import "time"

// Namespace is a tenant- or domain-scoped execution partition. MaxConcurrent
// caps simultaneously running workflow runs; the capacity manager is the only
// writer of the running counter and keeps it at or below the cap at all
// times. Retention bounds how long terminal runs are kept before the sweeper
// removes them (zero means keep forever).
type Namespace struct {
	Name          string        `json:"name"           validate:"required,min=1"`
	Description   string        `json:"description"`
	MaxConcurrent int           `json:"max_concurrent" validate:"required,min=1"`
	Retention     time.Duration `json:"retention,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
