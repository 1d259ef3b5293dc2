package replica

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polravi/mapmyactivities/internal/schema"
	"github.com/polravi/mapmyactivities/internal/sortorder"
)

// tickClock advances one millisecond on every read.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickClock() *tickClock {
	return &tickClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func openReplica(t *testing.T, clock *tickClock) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	if clock != nil {
		s.SetClock(clock.Now)
	}
	return s
}

func quadrant(q int) *int { return &q }

func mustCreate(t *testing.T, s *Store, id string, q int) *schema.Task {
	t.Helper()
	task, err := s.CreateTask(&schema.Task{ID: id, Title: "task " + id, EisenhowerQuadrant: quadrant(q)})
	require.NoError(t, err)
	return task
}

// settle pretends everything pending has been pushed.
func settle(t *testing.T, s *Store) {
	t.Helper()
	p, err := s.PendingChanges()
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(p, 1))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	mustCreate(t, s, "a", 1)
	require.NoError(t, s.Close())

	s, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	task, err := s.Task("a")
	require.NoError(t, err)
	assert.Equal(t, "task a", task.Title)
}

func TestCreateTask_Defaults(t *testing.T) {
	s := openReplica(t, newTickClock())

	task, err := s.CreateTask(&schema.Task{Title: "Buy milk"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "local", task.OwnerID)
	assert.Equal(t, schema.StatusTodo, task.Status)
	assert.Equal(t, schema.PriorityMedium, task.Priority)
	assert.Equal(t, sortorder.Gap, task.SortOrder)
	assert.False(t, task.CreatedAt.IsZero())

	_, err = s.CreateTask(&schema.Task{ID: task.ID, Title: "again"})
	assert.ErrorIs(t, err, ErrExists)

	_, err = s.CreateTask(&schema.Task{})
	assert.Error(t, err, "title is required")
}

func TestCreateTask_AppendsToQuadrant(t *testing.T) {
	s := openReplica(t, nil)
	a := mustCreate(t, s, "a", 1)
	b := mustCreate(t, s, "b", 1)
	other := mustCreate(t, s, "x", 2)
	c := mustCreate(t, s, "c", 1)

	assert.Equal(t, 1000.0, a.SortOrder)
	assert.Equal(t, 2000.0, b.SortOrder)
	assert.Equal(t, 3000.0, c.SortOrder)
	assert.Equal(t, 1000.0, other.SortOrder)
}

func TestPendingChanges_Created(t *testing.T) {
	s := openReplica(t, nil)
	mustCreate(t, s, "a", 1)

	p, err := s.PendingChanges()
	require.NoError(t, err)
	require.Len(t, p.Changes.Tasks.Created, 1)
	created := p.Changes.Tasks.Created[0]
	assert.Equal(t, "a", created.ID())
	assert.False(t, created.Has("version"))
	assert.False(t, created.Has("ownerId"))
	assert.True(t, created.Has("title"))
	assert.Empty(t, p.Changes.Tasks.Updated)

	// Updates to an unpushed record keep it a create.
	_, err = s.UpdateTask("a", schema.Payload{"title": []byte(`"renamed"`)})
	require.NoError(t, err)
	p, err = s.PendingChanges()
	require.NoError(t, err)
	assert.Len(t, p.Changes.Tasks.Created, 1)
	assert.Empty(t, p.Changes.Tasks.Updated)
}

func TestUpdateTask_JournalsOnlyChangedFields(t *testing.T) {
	s := openReplica(t, newTickClock())
	before := mustCreate(t, s, "a", 1)
	settle(t, s)

	task, err := s.UpdateTask("a", schema.Payload{
		"title":   []byte(`"Call the bank"`),
		"ownerId": []byte(`"someone-else"`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Call the bank", task.Title)
	assert.Equal(t, "local", task.OwnerID)
	assert.True(t, task.UpdatedAt.After(before.UpdatedAt))

	_, err = s.UpdateTask("a", schema.Payload{"status": []byte(`"in_progress"`)})
	require.NoError(t, err)

	p, err := s.PendingChanges()
	require.NoError(t, err)
	require.Len(t, p.Changes.Tasks.Updated, 1)
	assert.Equal(t, []string{"id", "status", "title"}, p.Changes.Tasks.Updated[0].Keys())
}

func TestUpdateTask_Invalid(t *testing.T) {
	s := openReplica(t, nil)
	mustCreate(t, s, "a", 1)

	_, err := s.UpdateTask("a", schema.Payload{"status": []byte(`"archived"`)})
	require.Error(t, err)

	task, err := s.Task("a")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusTodo, task.Status)

	_, err = s.UpdateTask("missing", schema.Payload{"title": []byte(`"x"`)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTask_NeverPushedIsDropped(t *testing.T) {
	s := openReplica(t, nil)
	mustCreate(t, s, "a", 1)
	require.NoError(t, s.DeleteTask("a"))

	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.Task("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTask_Tombstone(t *testing.T) {
	s := openReplica(t, nil)
	mustCreate(t, s, "a", 1)
	settle(t, s)

	require.NoError(t, s.DeleteTask("a"))
	assert.ErrorIs(t, s.DeleteTask("a"), ErrNotFound)

	tasks, err := s.ListTasks(TaskFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].Deleted)

	p, err := s.PendingChanges()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, p.Changes.Tasks.Deleted)

	require.NoError(t, s.MarkSynced(p, 2))
	tasks, err = s.ListTasks(TaskFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, tasks, "pushed tombstones are purged")
}

func TestMoveTask_Between(t *testing.T) {
	s := openReplica(t, nil)
	mustCreate(t, s, "a", 1)
	mustCreate(t, s, "b", 1)
	mustCreate(t, s, "c", 2)
	settle(t, s)

	moved, err := s.MoveTask("c", 1, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 1500.0, moved.SortOrder)
	assert.Equal(t, 1, moved.Quadrant())

	tasks, err := s.ListTasks(TaskFilter{Quadrant: quadrant(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, taskIDs(tasks))

	p, err := s.PendingChanges()
	require.NoError(t, err)
	require.Len(t, p.Changes.Tasks.Updated, 1)
	assert.Equal(t, []string{"eisenhowerQuadrant", "id", "sortOrder"}, p.Changes.Tasks.Updated[0].Keys())

	top, err := s.MoveTask("b", 1, "", "a")
	require.NoError(t, err)
	assert.Equal(t, 0.0, top.SortOrder)
}

func TestMoveTask_OneNeighbor(t *testing.T) {
	tests := []struct {
		name              string
		beforeID, afterID string
		want              []string
	}{
		{"below a", "a", "", []string{"a", "d", "b", "c"}},
		{"above b", "", "b", []string{"a", "d", "b", "c"}},
		{"below last", "c", "", []string{"a", "b", "c", "d"}},
		{"above first", "", "a", []string{"d", "a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openReplica(t, nil)
			for _, id := range []string{"a", "b", "c"} {
				mustCreate(t, s, id, 1)
			}
			mustCreate(t, s, "d", 2)

			moved, err := s.MoveTask("d", 1, tt.beforeID, tt.afterID)
			require.NoError(t, err)

			tasks, err := s.ListTasks(TaskFilter{Quadrant: quadrant(1)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, taskIDs(tasks))
			for _, task := range tasks {
				if task.ID != "d" {
					assert.NotEqual(t, moved.SortOrder, task.SortOrder, "collides with %s", task.ID)
				}
			}
		})
	}
}

func TestMoveTask_NoNeighborsAppends(t *testing.T) {
	s := openReplica(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, s, id, 1)
	}
	mustCreate(t, s, "d", 2)

	moved, err := s.MoveTask("d", 1, "", "")
	require.NoError(t, err)
	assert.Equal(t, 4000.0, moved.SortOrder)

	tasks, err := s.ListTasks(TaskFilter{Quadrant: quadrant(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, taskIDs(tasks))
	assert.Equal(t, 1000.0, tasks[0].SortOrder)
}

func TestMoveTask_BelowKeepsNextNeighbor(t *testing.T) {
	s := openReplica(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, s, id, 1)
	}
	mustCreate(t, s, "e", 3)

	moved, err := s.MoveTask("e", 1, "a", "")
	require.NoError(t, err)
	assert.Greater(t, moved.SortOrder, 1000.0)
	assert.Less(t, moved.SortOrder, 2000.0)

	b, err := s.Task("b")
	require.NoError(t, err)
	assert.Equal(t, 2000.0, b.SortOrder)
}

func TestMoveTask_UnknownNeighbor(t *testing.T) {
	s := openReplica(t, nil)
	mustCreate(t, s, "a", 1)
	mustCreate(t, s, "b", 2)

	_, err := s.MoveTask("a", 1, "b", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.MoveTask("a", 5, "", "")
	assert.Error(t, err)
}

func TestMoveTask_Renormalizes(t *testing.T) {
	s := openReplica(t, nil)
	mustCreate(t, s, "a", 1)
	mustCreate(t, s, "b", 1)

	want := []string{"b"}
	after := "b"
	for i := 0; i < 40; i++ {
		task, err := s.CreateTask(&schema.Task{Title: "squeeze", EisenhowerQuadrant: quadrant(1)})
		require.NoError(t, err)
		_, err = s.MoveTask(task.ID, 1, "a", after)
		require.NoError(t, err)
		want = append([]string{task.ID}, want...)
		after = task.ID
	}
	want = append([]string{"a"}, want...)

	tasks, err := s.ListTasks(TaskFilter{Quadrant: quadrant(1)})
	require.NoError(t, err)
	assert.Equal(t, want, taskIDs(tasks))

	keys := make([]float64, len(tasks))
	for i, task := range tasks {
		keys[i] = task.SortOrder
	}
	assert.False(t, sortorder.NeedsRenormalize(keys, sortorder.MinGap))
}

func TestGoals(t *testing.T) {
	clock := newTickClock()
	s := openReplica(t, clock)

	goal, err := s.CreateGoal(&schema.Goal{Title: "Run 3 times", Timeframe: schema.Weekly, TargetCount: 3})
	require.NoError(t, err)
	assert.Equal(t, schema.GoalActive, goal.Status)
	assert.False(t, goal.PeriodStart.IsZero())

	goal, err = s.UpdateGoal(goal.ID, schema.Payload{"completedCount": []byte(`2`)})
	require.NoError(t, err)
	assert.Equal(t, 2, goal.CompletedCount)

	goals, err := s.ListGoals()
	require.NoError(t, err)
	assert.Len(t, goals, 1)

	require.NoError(t, s.DeleteGoal(goal.ID))
	goals, err = s.ListGoals()
	require.NoError(t, err)
	assert.Empty(t, goals)
	_, err = s.Goal(goal.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyRemote_KeepsPendingFields(t *testing.T) {
	s := openReplica(t, nil)
	mustCreate(t, s, "a", 1)
	settle(t, s)
	_, err := s.UpdateTask("a", schema.Payload{"title": []byte(`"mine"`)})
	require.NoError(t, err)

	remote, err := s.Task("a")
	require.NoError(t, err)
	remote.Title = "theirs"
	remote.Status = schema.StatusDone
	remote.OwnerID = "user-1"
	payload, err := schema.EncodePayload(remote)
	require.NoError(t, err)

	changes := schema.NewChanges()
	changes.Tasks.Updated = append(changes.Tasks.Updated, payload)
	res, err := s.ApplyRemote(changes)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Kept)

	got, err := s.Task("a")
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title)
	assert.Equal(t, schema.StatusDone, got.Status)
	assert.Equal(t, "user-1", got.OwnerID)
}

func TestApplyRemote_NewAndDeleted(t *testing.T) {
	s := openReplica(t, nil)
	mustCreate(t, s, "gone", 1)
	settle(t, s)
	_, err := s.UpdateTask("gone", schema.Payload{"title": []byte(`"edited"`)})
	require.NoError(t, err)

	fresh := schema.Payload{}
	require.NoError(t, fresh.Set("id", "fresh"))
	require.NoError(t, fresh.Set("ownerId", "user-1"))
	require.NoError(t, fresh.Set("title", "From another device"))
	require.NoError(t, fresh.Set("status", schema.StatusTodo))
	require.NoError(t, fresh.Set("priority", schema.PriorityHigh))
	require.NoError(t, fresh.Set("createdAt", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	changes := schema.NewChanges()
	changes.Tasks.Created = append(changes.Tasks.Created, fresh)
	changes.Tasks.Deleted = append(changes.Tasks.Deleted, "gone")
	res, err := s.ApplyRemote(changes)
	require.NoError(t, err)
	assert.Equal(t, &ApplyResult{Applied: 1, Deleted: 1}, res)

	_, err = s.Task("gone")
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n, "a remote delete drops local pending edits")

	task, err := s.Task("fresh")
	require.NoError(t, err)
	assert.Equal(t, schema.PriorityHigh, task.Priority)
}

func TestMarkSynced_KeepsLaterEdits(t *testing.T) {
	s := openReplica(t, nil)
	mustCreate(t, s, "a", 1)
	mustCreate(t, s, "b", 1)

	p, err := s.PendingChanges()
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())

	// An edit lands between building the push and acknowledging it.
	_, err = s.UpdateTask("b", schema.Payload{"title": []byte(`"later"`)})
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(p, 42))
	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cursor, err := s.Cursor()
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, int64(42), *cursor)
}

func taskIDs(tasks []*schema.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
