// Package seed creates the starter records of a new account.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/schema"
	"github.com/polravi/mapmyactivities/internal/sortorder"
)

//go:embed welcome.yaml
var welcomeYAML []byte

// seedNamespace scopes the ids of seeded records so that seeding twice
// yields the same ids.
var seedNamespace = uuid.MustParse("0b6a6f6e-2c8e-5d5b-9a57-3f1f6c9e4d21")

// TaskTemplate is one seeded task.
type TaskTemplate struct {
	Key         string          `yaml:"key"`
	Title       string          `yaml:"title"`
	Description string          `yaml:"description"`
	Quadrant    int             `yaml:"quadrant"`
	Priority    schema.Priority `yaml:"priority"`
	Tags        []string        `yaml:"tags"`
}

// File is the layout of a seed file.
type File struct {
	Templates []TaskTemplate `yaml:"tasks"`
}

// Load parses seed data. A nil data loads the built-in welcome set.
func Load(data []byte) (*File, error) {
	if data == nil {
		data = welcomeYAML
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed data: %w", err)
	}
	for i, t := range f.Templates {
		if t.Key == "" {
			return nil, fmt.Errorf("seed task %d has no key", i)
		}
	}
	return &f, nil
}

// Tasks builds the seeded tasks of ownerID.
func (f *File) Tasks(ownerID string, now time.Time) ([]*schema.Task, error) {
	now = schema.Stamp(now)
	tasks := make([]*schema.Task, 0, len(f.Templates))
	for i, tmpl := range f.Templates {
		task := &schema.Task{
			ID:          uuid.NewSHA1(seedNamespace, []byte(ownerID+"/"+tmpl.Key)).String(),
			OwnerID:     ownerID,
			Title:       tmpl.Title,
			Description: tmpl.Description,
			Priority:    tmpl.Priority,
			Tags:        tmpl.Tags,
			SortOrder:   sortorder.Gap * float64(i+1),
		}
		if tmpl.Quadrant != 0 {
			q := tmpl.Quadrant
			task.EisenhowerQuadrant = &q
		}
		task.SetDefaults(now)
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("invalid seed task %s: %w", tmpl.Key, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Committer writes batches.
type Committer interface {
	Commit(ctx context.Context, b *db.Batch) (*db.CommitResult, error)
}

// Apply writes the seeded tasks of ownerID unless they already exist and
// returns how many were created.
func (f *File) Apply(ctx context.Context, store Committer, ownerID string, now time.Time) (int, error) {
	tasks, err := f.Tasks(ownerID, now)
	if err != nil {
		return 0, err
	}
	batch := db.NewBatch(now)
	for _, t := range tasks {
		doc, err := db.EncodeTask(t)
		if err != nil {
			return 0, err
		}
		batch.CreateIfAbsent(doc)
	}
	res, err := store.Commit(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to seed account %s: %w", ownerID, err)
	}
	return res.Written, nil
}
