package delta

import (
	"time"

	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/merge"
	"github.com/polravi/mapmyactivities/internal/schema"
)

// kind bundles the per-collection record handling used by Push.
type kind struct {
	col schema.Collection

	// checkUpdated validates the values of a partial payload on its own.
	checkUpdated func(p schema.Payload) error

	// create builds a new document from a full client record.
	create func(p schema.Payload, ownerID string, now time.Time) (*db.Document, error)

	// merge overlays a client payload on a stored document.
	merge func(doc *db.Document, p schema.Payload, now time.Time) (*db.Document, error)

	// tombstone marks a stored document deleted.
	tombstone func(doc *db.Document, now time.Time) (*db.Document, error)
}

// kinds in processing order: tasks before goals.
var kinds = []kind{
	{
		col:          schema.CollectionTasks,
		checkUpdated: checkPartialTask,
		create:       newTaskDoc,
		merge:        mergeTaskDoc,
		tombstone:    tombstoneTaskDoc,
	},
	{
		col:          schema.CollectionGoals,
		checkUpdated: checkPartialGoal,
		create:       newGoalDoc,
		merge:        mergeGoalDoc,
		tombstone:    tombstoneGoalDoc,
	},
}

// ignoredOnCheck are server-owned fields whose client values never reach storage.
var ignoredOnCheck = []string{"id", "ownerId", "version", "createdAt", "updatedAt"}

var probeTime = time.UnixMilli(1).UTC()

func checkPartialTask(p schema.Payload) error {
	probe := schema.Task{
		ID:        "probe",
		OwnerID:   "probe",
		Title:     "probe",
		Status:    schema.StatusTodo,
		Priority:  schema.PriorityMedium,
		Tags:      []string{},
		CreatedAt: probeTime,
	}
	if err := p.Without(ignoredOnCheck...).Decode(&probe); err != nil {
		return err
	}
	return probe.Validate()
}

func checkPartialGoal(p schema.Payload) error {
	probe := schema.Goal{
		ID:          "probe",
		OwnerID:     "probe",
		Title:       "probe",
		Timeframe:   schema.Daily,
		PeriodStart: probeTime,
		PeriodEnd:   probeTime,
		TargetCount: 1,
		Status:      schema.GoalActive,
		CreatedAt:   probeTime,
	}
	if err := p.Without(ignoredOnCheck...).Decode(&probe); err != nil {
		return err
	}
	// Half a period is checked against the stored other half after merging.
	if !p.Has("periodEnd") {
		probe.PeriodEnd = probe.PeriodStart
	}
	if !p.Has("periodStart") {
		probe.PeriodStart = probe.PeriodEnd
	}
	return probe.Validate()
}

func newTaskDoc(p schema.Payload, ownerID string, now time.Time) (*db.Document, error) {
	t, err := schema.DecodeTask(p)
	if err != nil {
		return nil, err
	}
	t.OwnerID = ownerID
	t.Version = 0
	t.CreatedAt = clampCreated(t.CreatedAt, now)
	t.UpdatedAt = now
	t.SetDefaults(now)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return db.EncodeTask(t)
}

func mergeTaskDoc(doc *db.Document, p schema.Payload, now time.Time) (*db.Document, error) {
	server, err := doc.Task()
	if err != nil {
		return nil, err
	}
	merged, err := merge.MergeTask(server, p)
	if err != nil {
		return nil, err
	}
	merged.UpdatedAt = now
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return db.EncodeTask(merged)
}

func tombstoneTaskDoc(doc *db.Document, now time.Time) (*db.Document, error) {
	t, err := doc.Task()
	if err != nil {
		return nil, err
	}
	t.Deleted = true
	t.UpdatedAt = now
	return db.EncodeTask(t)
}

func newGoalDoc(p schema.Payload, ownerID string, now time.Time) (*db.Document, error) {
	g, err := schema.DecodeGoal(p)
	if err != nil {
		return nil, err
	}
	g.OwnerID = ownerID
	g.Version = 0
	g.CreatedAt = clampCreated(g.CreatedAt, now)
	g.UpdatedAt = now
	g.SetDefaults(now)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return db.EncodeGoal(g)
}

func mergeGoalDoc(doc *db.Document, p schema.Payload, now time.Time) (*db.Document, error) {
	server, err := doc.Goal()
	if err != nil {
		return nil, err
	}
	merged, err := merge.MergeGoal(server, p)
	if err != nil {
		return nil, err
	}
	merged.UpdatedAt = now
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return db.EncodeGoal(merged)
}

func tombstoneGoalDoc(doc *db.Document, now time.Time) (*db.Document, error) {
	g, err := doc.Goal()
	if err != nil {
		return nil, err
	}
	g.Deleted = true
	g.UpdatedAt = now
	return db.EncodeGoal(g)
}

// clampCreated keeps a client creation time at ms precision and not after now.
func clampCreated(created, now time.Time) time.Time {
	if created.IsZero() {
		return created
	}
	created = schema.Stamp(created)
	if created.After(now) {
		return now
	}
	return created
}
