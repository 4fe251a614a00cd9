package domain

import "time"

// Audit holds the bookkeeping columns shared by mutable entities.
// Embed it and call Stamp before every write.
type Audit struct {
	CreatedByID string
	UpdatedByID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	IsActive    bool
	IsDefault   bool
}

// NewAudit returns an Audit with the column defaults applied.
func NewAudit() Audit {
	return Audit{IsActive: true}
}

// Stamp records a write performed by actorID at now.
// created_* are only set on the first stamp; updated_by only moves when an
// actor is supplied.
func (a *Audit) Stamp(actorID string, now time.Time) {
	now = now.UTC()
	first := a.CreatedAt.IsZero()
	if first {
		a.CreatedAt = now
		if actorID != "" {
			a.CreatedByID = actorID
		}
	}
	if actorID != "" {
		a.UpdatedByID = actorID
	}
	a.UpdatedAt = now
}
