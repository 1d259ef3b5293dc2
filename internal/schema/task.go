package schema

import (
	"fmt"
	"time"
)

// RecurrenceRule describes how a template task repeats.
type RecurrenceRule struct {
	Type       Timeframe  `json:"type" validate:"required,oneof=daily weekly monthly yearly"`
	Interval   int        `json:"interval" validate:"min=1"`
	DaysOfWeek []int      `json:"daysOfWeek,omitempty" validate:"omitempty,dive,min=0,max=6"` // 0 = Sunday, weekly only
	EndDate    *time.Time `json:"endDate,omitempty"`
}

// Validate checks the rule's field values.
func (r *RecurrenceRule) Validate() error {
	if err := checkStruct(r); err != nil {
		return err
	}
	if len(r.DaysOfWeek) > 0 && r.Type != Weekly {
		return &FieldError{Field: "daysOfWeek", Reason: "is only allowed for weekly recurrence"}
	}
	return nil
}

// Task is a unit of work placed in an Eisenhower quadrant.
type Task struct {
	// ===== Identity =====
	ID      string `json:"id" validate:"required"`
	OwnerID string `json:"ownerId" validate:"required"`

	// ===== Content =====
	Title       string   `json:"title" validate:"required,max=500"`
	Description string   `json:"description"`
	Status      Status   `json:"status" validate:"required,oneof=todo in_progress done discarded"`
	Priority    Priority `json:"priority" validate:"required,oneof=low medium high"`
	Tags        []string `json:"tags" validate:"max=50,dive,required"`

	// ===== Placement =====
	EisenhowerQuadrant  *int     `json:"eisenhowerQuadrant" validate:"omitempty,min=1,max=4"`
	AISuggestedQuadrant *int     `json:"aiSuggestedQuadrant" validate:"omitempty,min=1,max=4"`
	AIConfidence        *float64 `json:"aiConfidence" validate:"omitempty,min=0,max=1"`
	SortOrder           float64  `json:"sortOrder"`

	// ===== Goals & Scheduling =====
	GoalType     *Timeframe      `json:"goalType" validate:"omitempty,oneof=daily weekly monthly yearly"`
	GoalID       *string         `json:"goalId"`
	DueDate      *time.Time      `json:"dueDate"`
	Recurrence   *RecurrenceRule `json:"recurrence"`
	ParentTaskID *string         `json:"parentTaskId"` // set on generated recurrence instances

	// ===== Voice capture =====
	VoiceSource     bool    `json:"voiceSource"`
	VoiceTranscript *string `json:"voiceTranscript"`

	// ===== Sync bookkeeping =====
	Deleted   bool      `json:"deleted"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (t *Task) RecordID() string { return t.ID }
func (t *Task) IsDeleted() bool  { return t.Deleted }

// Quadrant returns the Eisenhower quadrant, or 0 when the task is unplaced.
func (t *Task) Quadrant() int {
	if t.EisenhowerQuadrant == nil {
		return 0
	}
	return *t.EisenhowerQuadrant
}

// SetDefaults fills the fields a client is allowed to omit when creating a task.
func (t *Task) SetDefaults(now time.Time) {
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = Stamp(now)
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if err := checkStruct(t); err != nil {
		return err
	}
	if t.Recurrence != nil {
		if err := t.Recurrence.Validate(); err != nil {
			if fe, ok := err.(*FieldError); ok {
				return &FieldError{Field: "recurrence." + fe.Field, Reason: fe.Reason}
			}
			return err
		}
	}
	if t.CreatedAt.IsZero() {
		return &FieldError{Field: "createdAt", Reason: "is required"}
	}
	return nil
}

// DecodeTask decodes a payload into a Task without validating it.
func DecodeTask(p Payload) (*Task, error) {
	var t Task
	if err := p.Decode(&t); err != nil {
		return nil, fmt.Errorf("invalid task %q: %w", p.ID(), err)
	}
	return &t, nil
}
