package replica

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/polravi/mapmyactivities/internal/schema"
	"github.com/polravi/mapmyactivities/internal/sortorder"
)

// ErrExists is returned when creating a record whose id is taken.
var ErrExists = errors.New("record already exists")

// immutable keys are ignored in local patches.
var immutable = []string{"id", "ownerId", "version", "createdAt", "updatedAt", "deleted"}

// TaskFilter selects tasks for ListTasks. Zero values match everything.
type TaskFilter struct {
	Quadrant       *int // 0 selects unplaced tasks
	Status         schema.Status
	IncludeDeleted bool
}

func (f TaskFilter) match(t *schema.Task) bool {
	if t.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.Quadrant != nil && t.Quadrant() != *f.Quadrant {
		return false
	}
	return f.Status == "" || t.Status == f.Status
}

// CreateTask stores a new task and journals it. Missing fields get their
// defaults; a task without a sort order is appended to its quadrant.
func (s *Store) CreateTask(in *schema.Task) (*schema.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := schema.Stamp(s.now())
	task := *in
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.OwnerID == "" {
		task.OwnerID = s.owner
	}
	task.Deleted = false
	task.Version = 0
	task.SetDefaults(now)
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := getPayload(txn, schema.CollectionTasks, task.ID); err == nil {
			return fmt.Errorf("%w: task %s", ErrExists, task.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if task.SortOrder == 0 {
			peers, err := quadrantPeers(txn, task.Quadrant(), task.ID)
			if err != nil {
				return err
			}
			task.SortOrder = sortorder.AtIndex(sortKeys(peers), len(peers))
		}
		if err := putTask(txn, &task); err != nil {
			return err
		}
		return journal(txn, schema.CollectionTasks, task.ID, opCreated)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask applies a partial update. Only the keys present in patch are
// changed and pushed.
func (s *Store) UpdateTask(id string, patch schema.Payload) (*schema.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	patch = patch.Without(immutable...)
	var task *schema.Task
	err := s.db.Update(func(txn *badger.Txn) error {
		merged, err := s.patched(txn, schema.CollectionTasks, id, patch)
		if err != nil {
			return err
		}
		task, err = schema.DecodeTask(merged)
		if err != nil {
			return err
		}
		if err := task.Validate(); err != nil {
			return fmt.Errorf("invalid task: %w", err)
		}
		if len(patch) == 0 {
			return nil
		}
		if err := putTask(txn, task); err != nil {
			return err
		}
		return journal(txn, schema.CollectionTasks, id, opUpdated, patch.Keys()...)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask tombstones a task. A task that was never pushed is dropped.
func (s *Store) DeleteTask(id string) error {
	return s.remove(schema.CollectionTasks, id)
}

// MoveTask places a task in quadrant between the tasks beforeID (above) and
// afterID (below). With only one id the task lands next to it, and with
// neither it goes to the bottom. When the new key leaves neighbors too close
// together the whole quadrant is renumbered.
func (s *Store) MoveTask(id string, quadrant int, beforeID, afterID string) (*schema.Task, error) {
	if quadrant < 1 || quadrant > 4 {
		return nil, fmt.Errorf("invalid quadrant %d", quadrant)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := schema.Stamp(s.now())
	var task *schema.Task
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		if task, err = getTask(txn, id); err != nil {
			return err
		}
		peers, err := quadrantPeers(txn, quadrant, id)
		if err != nil {
			return err
		}
		before, after, err := neighborKeys(peers, beforeID, afterID, quadrant)
		if err != nil {
			return err
		}

		q := quadrant
		task.EisenhowerQuadrant = &q
		task.SortOrder = sortorder.Between(before, after)
		task.UpdatedAt = now
		if err := putTask(txn, task); err != nil {
			return err
		}
		if err := journal(txn, schema.CollectionTasks, id, opUpdated, "eisenhowerQuadrant", "sortOrder"); err != nil {
			return err
		}

		all := append(peers, task)
		if !sortorder.NeedsRenormalize(sortKeys(all), sortorder.MinGap) {
			return nil
		}
		keys := sortorder.Renormalize(sortKeys(all))
		for i, t := range all {
			if t.SortOrder == keys[i] {
				continue
			}
			t.SortOrder = keys[i]
			t.UpdatedAt = now
			if err := putTask(txn, t); err != nil {
				return err
			}
			if err := journal(txn, schema.CollectionTasks, t.ID, opUpdated, "sortOrder"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Task returns a live task.
func (s *Store) Task(id string) (*schema.Task, error) {
	var task *schema.Task
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		task, err = getTask(txn, id)
		return err
	})
	return task, err
}

// ListTasks returns the matching tasks ordered by quadrant and sort order.
func (s *Store) ListTasks(filter TaskFilter) ([]*schema.Task, error) {
	var out []*schema.Task
	err := s.db.View(func(txn *badger.Txn) error {
		tasks, err := loadTasks(txn)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if filter.match(t) {
				out = append(out, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *schema.Task) int {
		return cmp.Or(
			cmp.Compare(a.Quadrant(), b.Quadrant()),
			cmp.Compare(a.SortOrder, b.SortOrder),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out, nil
}

// CreateGoal stores a new goal and journals it.
func (s *Store) CreateGoal(in *schema.Goal) (*schema.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := schema.Stamp(s.now())
	goal := *in
	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	if goal.OwnerID == "" {
		goal.OwnerID = s.owner
	}
	goal.Deleted = false
	goal.Version = 0
	goal.SetDefaults(now)
	if err := goal.Validate(); err != nil {
		return nil, fmt.Errorf("invalid goal: %w", err)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := getPayload(txn, schema.CollectionGoals, goal.ID); err == nil {
			return fmt.Errorf("%w: goal %s", ErrExists, goal.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := putRecord(txn, schema.CollectionGoals, goal.ID, &goal); err != nil {
			return err
		}
		return journal(txn, schema.CollectionGoals, goal.ID, opCreated)
	})
	if err != nil {
		return nil, err
	}
	return &goal, nil
}

// UpdateGoal applies a partial update to a goal.
func (s *Store) UpdateGoal(id string, patch schema.Payload) (*schema.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	patch = patch.Without(immutable...)
	var goal *schema.Goal
	err := s.db.Update(func(txn *badger.Txn) error {
		merged, err := s.patched(txn, schema.CollectionGoals, id, patch)
		if err != nil {
			return err
		}
		if goal, err = schema.DecodeGoal(merged); err != nil {
			return err
		}
		if err := goal.Validate(); err != nil {
			return fmt.Errorf("invalid goal: %w", err)
		}
		if len(patch) == 0 {
			return nil
		}
		if err := putRecord(txn, schema.CollectionGoals, id, goal); err != nil {
			return err
		}
		return journal(txn, schema.CollectionGoals, id, opUpdated, patch.Keys()...)
	})
	if err != nil {
		return nil, err
	}
	return goal, nil
}

// DeleteGoal tombstones a goal. A goal that was never pushed is dropped.
func (s *Store) DeleteGoal(id string) error {
	return s.remove(schema.CollectionGoals, id)
}

// Goal returns a live goal.
func (s *Store) Goal(id string) (*schema.Goal, error) {
	var goal *schema.Goal
	err := s.db.View(func(txn *badger.Txn) error {
		p, err := livePayload(txn, schema.CollectionGoals, id)
		if err != nil {
			return err
		}
		goal, err = schema.DecodeGoal(p)
		return err
	})
	return goal, err
}

// ListGoals returns live goals ordered by period start.
func (s *Store) ListGoals() ([]*schema.Goal, error) {
	var out []*schema.Goal
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, recordPrefix(schema.CollectionGoals), func(p schema.Payload) error {
			g, err := schema.DecodeGoal(p)
			if err != nil {
				return err
			}
			if !g.Deleted {
				out = append(out, g)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *schema.Goal) int {
		return cmp.Or(a.PeriodStart.Compare(b.PeriodStart), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// patched returns the live record with patch applied and updatedAt bumped.
func (s *Store) patched(txn *badger.Txn, col schema.Collection, id string, patch schema.Payload) (schema.Payload, error) {
	current, err := livePayload(txn, col, id)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return current, nil
	}
	merged := current.Overlay(patch)
	if err := merged.Set("updatedAt", schema.Stamp(s.now())); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Store) remove(col schema.Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		current, err := livePayload(txn, col, id)
		if err != nil {
			return err
		}
		e, err := getEntry(txn, col, id)
		if err != nil {
			return err
		}
		if e != nil && e.Op == opCreated {
			if err := txn.Delete(pendingKey(col, id)); err != nil {
				return err
			}
			return txn.Delete(recordKey(col, id))
		}

		tomb := schema.MarkDeleted(current)
		if err := tomb.Set("updatedAt", schema.Stamp(s.now())); err != nil {
			return err
		}
		if err := setJSON(txn, recordKey(col, id), tomb); err != nil {
			return err
		}
		return journal(txn, col, id, opDeleted)
	})
}

func livePayload(txn *badger.Txn, col schema.Collection, id string) (schema.Payload, error) {
	p, err := getPayload(txn, col, id)
	if err != nil {
		return nil, err
	}
	if schema.IsTombstone(p) {
		return nil, ErrNotFound
	}
	return p, nil
}

func getTask(txn *badger.Txn, id string) (*schema.Task, error) {
	p, err := livePayload(txn, schema.CollectionTasks, id)
	if err != nil {
		return nil, err
	}
	return schema.DecodeTask(p)
}

func putTask(txn *badger.Txn, t *schema.Task) error {
	return putRecord(txn, schema.CollectionTasks, t.ID, t)
}

func putRecord(txn *badger.Txn, col schema.Collection, id string, v any) error {
	p, err := schema.EncodePayload(v)
	if err != nil {
		return err
	}
	return setJSON(txn, recordKey(col, id), p)
}

func scan(txn *badger.Txn, prefix string, fn func(schema.Payload) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	pfx := []byte(prefix)
	for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
		var p schema.Payload
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		}); err != nil {
			return fmt.Errorf("corrupt record %s: %w", it.Item().Key(), err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func loadTasks(txn *badger.Txn) ([]*schema.Task, error) {
	var tasks []*schema.Task
	err := scan(txn, recordPrefix(schema.CollectionTasks), func(p schema.Payload) error {
		t, err := schema.DecodeTask(p)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
		return nil
	})
	return tasks, err
}

// quadrantPeers returns the live tasks of a quadrant except skipID, sorted
// by sort order.
func quadrantPeers(txn *badger.Txn, quadrant int, skipID string) ([]*schema.Task, error) {
	tasks, err := loadTasks(txn)
	if err != nil {
		return nil, err
	}
	peers := slices.DeleteFunc(tasks, func(t *schema.Task) bool {
		return t.Deleted || t.ID == skipID || t.Quadrant() != quadrant
	})
	slices.SortStableFunc(peers, func(a, b *schema.Task) int {
		return cmp.Compare(a.SortOrder, b.SortOrder)
	})
	return peers, nil
}

// neighborKeys resolves the sort keys around a drop. A missing id is taken
// from the peers: no ids appends after the last peer, only beforeID drops
// just below it, only afterID drops just above it.
func neighborKeys(peers []*schema.Task, beforeID, afterID string, quadrant int) (before, after *float64, err error) {
	bi, err := peerIndex(peers, beforeID, quadrant)
	if err != nil {
		return nil, nil, err
	}
	ai, err := peerIndex(peers, afterID, quadrant)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case bi < 0 && ai < 0:
		bi = len(peers) - 1
	case ai < 0 && bi+1 < len(peers):
		ai = bi + 1
	case bi < 0 && ai > 0:
		bi = ai - 1
	}
	if bi >= 0 {
		key := peers[bi].SortOrder
		before = &key
	}
	if ai >= 0 {
		key := peers[ai].SortOrder
		after = &key
	}
	return before, after, nil
}

// peerIndex returns the position of id in peers, or -1 for an empty id.
func peerIndex(peers []*schema.Task, id string, quadrant int) (int, error) {
	if id == "" {
		return -1, nil
	}
	i := slices.IndexFunc(peers, func(t *schema.Task) bool { return t.ID == id })
	if i < 0 {
		return -1, fmt.Errorf("%w: task %s is not in quadrant %d", ErrNotFound, id, quadrant)
	}
	return i, nil
}

func sortKeys(tasks []*schema.Task) []float64 {
	keys := make([]float64, len(tasks))
	for i, t := range tasks {
		keys[i] = t.SortOrder
	}
	return keys
}
