package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_Accessors(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{"id":"t-1","deleted":true,"title":null,"sortOrder":1}`), &p))

	assert.Equal(t, "t-1", p.ID())
	assert.True(t, p.Has("title"), "null values are still present")
	assert.False(t, p.Has("status"))

	_, ok := p.String("sortOrder")
	assert.False(t, ok)
	assert.True(t, IsTombstone(p))
	assert.Equal(t, []string{"deleted", "id", "sortOrder", "title"}, p.Keys())

	q := p.Without("title", "deleted")
	assert.False(t, q.Has("title"))
	assert.True(t, p.Has("title"), "Without must not mutate the receiver")
}

func TestPayload_Overlay(t *testing.T) {
	base := Payload{}
	require.NoError(t, base.Set("title", "server"))
	require.NoError(t, base.Set("description", "kept"))
	top := Payload{}
	require.NoError(t, top.Set("title", "client"))

	out := base.Overlay(top)
	title, _ := out.String("title")
	desc, _ := out.String("description")
	assert.Equal(t, "client", title)
	assert.Equal(t, "kept", desc)

	orig, _ := base.String("title")
	assert.Equal(t, "server", orig)
}

func TestChangeSet_MarshalEmitsArrays(t *testing.T) {
	data, err := json.Marshal(Changes{})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"tasks": {"created": [], "updated": [], "deleted": []},
		"goals": {"created": [], "updated": [], "deleted": []}
	}`, string(data))
}

func TestChanges_For(t *testing.T) {
	c := NewChanges()
	c.For(CollectionGoals).Deleted = append(c.For(CollectionGoals).Deleted, "g-1")
	assert.Equal(t, []string{"g-1"}, c.Goals.Deleted)
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Empty())
}

func TestKeepTombstone(t *testing.T) {
	server := MarkDeleted(Payload{})
	merged := Payload{}
	require.NoError(t, merged.Set("deleted", false))

	assert.True(t, IsTombstone(KeepTombstone(server, merged)))
	assert.False(t, IsTombstone(KeepTombstone(Payload{}, merged)))
}

func TestLive(t *testing.T) {
	tasks := []*Task{{ID: "a"}, {ID: "b", Deleted: true}, {ID: "c"}}
	live := Live(tasks)
	require.Len(t, live, 2)
	assert.Equal(t, "a", live[0].ID)
	assert.Equal(t, "c", live[1].ID)
}

func TestPeriodBounds(t *testing.T) {
	// Wednesday
	ref := time.Date(2026, 1, 14, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		tf        Timeframe
		wantStart time.Time
		wantNext  time.Time
	}{
		{Daily, time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)},
		{Weekly, time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC)},
		{Monthly, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{Yearly, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.tf), func(t *testing.T) {
			start, end := PeriodBounds(tt.tf, ref)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantNext.Add(-time.Millisecond), end)
		})
	}
}

func TestStatusRank(t *testing.T) {
	assert.Less(t, StatusTodo.Rank(), StatusInProgress.Rank())
	assert.Less(t, StatusInProgress.Rank(), StatusDone.Rank())
	assert.Less(t, StatusDone.Rank(), StatusDiscarded.Rank())
	assert.False(t, Status("blocked").Valid())
}
