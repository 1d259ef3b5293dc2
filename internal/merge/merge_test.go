package merge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polravi/mapmyactivities/internal/schema"
)

var allStatuses = []schema.Status{
	schema.StatusTodo, schema.StatusInProgress, schema.StatusDone, schema.StatusDiscarded,
}

func payload(t *testing.T, s string) schema.Payload {
	t.Helper()
	var p schema.Payload
	require.NoError(t, json.Unmarshal([]byte(s), &p))
	return p
}

func serverTask() *schema.Task {
	q := 1
	created := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	return &schema.Task{
		ID:                 "t-1",
		OwnerID:            "user-1",
		Title:              "Server title",
		Description:        "server description",
		Status:             schema.StatusInProgress,
		Priority:           schema.PriorityHigh,
		Tags:               []string{"work"},
		EisenhowerQuadrant: &q,
		SortOrder:          1000,
		Version:            3,
		CreatedAt:          created,
		UpdatedAt:          created.Add(time.Hour),
	}
}

func TestResolveStatus_AllPairs(t *testing.T) {
	for _, server := range allStatuses {
		for _, client := range allStatuses {
			got := ResolveStatus(server, client)
			want := server
			if client.Rank() > server.Rank() {
				want = client
			}
			assert.Equal(t, want, got, "ResolveStatus(%s, %s)", server, client)
			assert.GreaterOrEqual(t, got.Rank(), server.Rank())
			assert.GreaterOrEqual(t, got.Rank(), client.Rank())
		}
	}
}

func TestResolveStatus_Examples(t *testing.T) {
	tests := []struct {
		server, client schema.Status
		want           schema.Status
	}{
		{schema.StatusDone, schema.StatusInProgress, schema.StatusDone},
		{schema.StatusTodo, schema.StatusDone, schema.StatusDone},
		{schema.StatusDone, schema.StatusTodo, schema.StatusDone},
		{schema.StatusInProgress, schema.StatusTodo, schema.StatusInProgress},
		{schema.StatusDone, schema.StatusDiscarded, schema.StatusDiscarded},
		{schema.StatusDiscarded, schema.StatusTodo, schema.StatusDiscarded},
		{schema.StatusTodo, schema.StatusTodo, schema.StatusTodo},
	}
	for _, tt := range tests {
		if got := ResolveStatus(tt.server, tt.client); got != tt.want {
			t.Errorf("ResolveStatus(%s, %s) = %s, want %s", tt.server, tt.client, got, tt.want)
		}
	}
}

func TestMergeTask_StatusNeverRegresses(t *testing.T) {
	server := serverTask()
	server.Status = schema.StatusDone

	merged, err := MergeTask(server, payload(t, `{"id":"t-1","status":"in_progress"}`))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusDone, merged.Status)
}

func TestMergeTask_QuadrantOverrideIgnoresTimestamps(t *testing.T) {
	server := serverTask()
	// The client edit is older than the server copy; the quadrant still wins.
	merged, err := MergeTask(server, payload(t, `{"id":"t-1","eisenhowerQuadrant":3,"updatedAt":"2020-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, merged.Quadrant())
	assert.Equal(t, server.UpdatedAt, merged.UpdatedAt)
}

func TestMergeTask_QuadrantCleared(t *testing.T) {
	merged, err := MergeTask(serverTask(), payload(t, `{"id":"t-1","eisenhowerQuadrant":null}`))
	require.NoError(t, err)
	assert.Nil(t, merged.EisenhowerQuadrant)
}

func TestMergeTask_PartialPayloadKeepsServerFields(t *testing.T) {
	server := serverTask()
	merged, err := MergeTask(server, payload(t, `{"id":"t-1","title":"Client title","description":""}`))
	require.NoError(t, err)

	assert.Equal(t, "Client title", merged.Title)
	assert.Equal(t, "", merged.Description, "a sent empty value is still a change")
	assert.Equal(t, schema.PriorityHigh, merged.Priority)
	assert.Equal(t, []string{"work"}, merged.Tags)
	assert.Equal(t, 1000.0, merged.SortOrder)
	assert.Equal(t, schema.StatusInProgress, merged.Status)
}

func TestMergeTask_ServerOwnedFields(t *testing.T) {
	server := serverTask()
	merged, err := MergeTask(server, payload(t, `{
		"id":"t-1","ownerId":"intruder","version":99,
		"createdAt":"2030-01-01T00:00:00Z","updatedAt":"2030-01-01T00:00:00Z"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "user-1", merged.OwnerID)
	assert.Equal(t, int64(3), merged.Version)
	assert.Equal(t, server.CreatedAt, merged.CreatedAt)
	assert.Equal(t, server.UpdatedAt, merged.UpdatedAt)
}

func TestMergeTask_TombstoneIsSticky(t *testing.T) {
	server := serverTask()
	server.Deleted = true

	merged, err := MergeTask(server, payload(t, `{"id":"t-1","deleted":false,"title":"revived?"}`))
	require.NoError(t, err)
	assert.True(t, merged.Deleted)
	assert.Equal(t, "revived?", merged.Title)
}

func TestMergeTask_Idempotent(t *testing.T) {
	server := serverTask()
	client := payload(t, `{"id":"t-1","status":"done","eisenhowerQuadrant":4,"tags":["home"]}`)

	first, err := MergeTask(server, client)
	require.NoError(t, err)
	second, err := MergeTask(server, client)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Merging the same payload onto its own result changes nothing either.
	again, err := MergeTask(first, client)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestMergeTask_TypeErrorSurfaces(t *testing.T) {
	_, err := MergeTask(serverTask(), payload(t, `{"id":"t-1","sortOrder":"high"}`))
	var fe *schema.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "sortOrder", fe.Field)
}

func TestMergeGoal_ClientWins(t *testing.T) {
	start := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)
	server := &schema.Goal{
		ID: "g-1", OwnerID: "user-1", Title: "Read", Timeframe: schema.Weekly,
		PeriodStart: start, PeriodEnd: start.AddDate(0, 0, 7),
		TargetCount: 5, CompletedCount: 2, Status: schema.GoalActive, Version: 1,
		CreatedAt: start, UpdatedAt: start,
	}
	merged, err := MergeGoal(server, payload(t, `{"id":"g-1","completedCount":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, merged.CompletedCount, "goals have no monotonic fields")
	assert.Equal(t, 5, merged.TargetCount)
	assert.Equal(t, "Read", merged.Title)

	server.Deleted = true
	merged, err = MergeGoal(server, payload(t, `{"id":"g-1","deleted":false}`))
	require.NoError(t, err)
	assert.True(t, merged.Deleted)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to schema.Status
		want     bool
	}{
		{schema.StatusTodo, schema.StatusInProgress, true},
		{schema.StatusTodo, schema.StatusDone, true},
		{schema.StatusInProgress, schema.StatusTodo, false},
		{schema.StatusDone, schema.StatusDiscarded, false},
		{schema.StatusDone, schema.StatusDone, true},
		{schema.StatusDiscarded, schema.StatusTodo, true},
		{schema.StatusDiscarded, schema.StatusInProgress, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRestore(t *testing.T) {
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	task := serverTask()
	task.Status = schema.StatusDiscarded

	require.NoError(t, Restore(task, schema.StatusTodo, now))
	assert.Equal(t, schema.StatusTodo, task.Status)
	assert.Equal(t, now, task.UpdatedAt)

	task.Status = schema.StatusDone
	assert.ErrorIs(t, Restore(task, schema.StatusTodo, now), ErrInvalidTransition)

	task.Status = schema.StatusDiscarded
	task.Deleted = true
	assert.ErrorIs(t, Restore(task, schema.StatusTodo, now), ErrInvalidTransition)
}
