package schema

import (
	"fmt"
	"time"
)

// Goal is a countable target over a period.
type Goal struct {
	ID             string     `json:"id" validate:"required"`
	OwnerID        string     `json:"ownerId" validate:"required"`
	Title          string     `json:"title" validate:"required,max=200"`
	Timeframe      Timeframe  `json:"timeframe" validate:"required,oneof=daily weekly monthly yearly"`
	PeriodStart    time.Time  `json:"periodStart"`
	PeriodEnd      time.Time  `json:"periodEnd"`
	TargetCount    int        `json:"targetCount" validate:"min=1"`
	CompletedCount int        `json:"completedCount" validate:"min=0"`
	Status         GoalStatus `json:"status" validate:"required,oneof=active completed expired"`

	Deleted   bool      `json:"deleted"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (g *Goal) RecordID() string { return g.ID }
func (g *Goal) IsDeleted() bool  { return g.Deleted }

// SetDefaults fills status, period and timestamps when they were omitted.
func (g *Goal) SetDefaults(now time.Time) {
	if g.Status == "" {
		g.Status = GoalActive
	}
	if g.TargetCount == 0 {
		g.TargetCount = 1
	}
	if g.PeriodStart.IsZero() && g.Timeframe.Valid() {
		g.PeriodStart, g.PeriodEnd = PeriodBounds(g.Timeframe, now)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = Stamp(now)
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = g.CreatedAt
	}
}

// Validate checks if the Goal has valid field values.
func (g *Goal) Validate() error {
	if err := checkStruct(g); err != nil {
		return err
	}
	if g.PeriodStart.IsZero() {
		return &FieldError{Field: "periodStart", Reason: "is required"}
	}
	if g.PeriodEnd.Before(g.PeriodStart) {
		return &FieldError{Field: "periodEnd", Reason: "must not be before periodStart"}
	}
	if g.CreatedAt.IsZero() {
		return &FieldError{Field: "createdAt", Reason: "is required"}
	}
	return nil
}

// Expired reports whether an active goal's period ended before now.
func (g *Goal) Expired(now time.Time) bool {
	return g.Status == GoalActive && !g.Deleted && g.PeriodEnd.Before(now)
}

// DecodeGoal decodes a payload into a Goal without validating it.
func DecodeGoal(p Payload) (*Goal, error) {
	var g Goal
	if err := p.Decode(&g); err != nil {
		return nil, fmt.Errorf("invalid goal %q: %w", p.ID(), err)
	}
	return &g, nil
}
