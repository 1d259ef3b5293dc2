package schema

import "encoding/json"

// ChangeSet holds the changes of one collection.
type ChangeSet struct {
	Created []Payload `json:"created"`
	Updated []Payload `json:"updated"`
	Deleted []string  `json:"deleted"`
}

// NewChangeSet returns a change set with empty, non-nil arrays.
func NewChangeSet() ChangeSet {
	return ChangeSet{Created: []Payload{}, Updated: []Payload{}, Deleted: []string{}}
}

// Len counts all entries.
func (c ChangeSet) Len() int {
	return len(c.Created) + len(c.Updated) + len(c.Deleted)
}

func (c ChangeSet) Empty() bool { return c.Len() == 0 }

// MarshalJSON always emits the three arrays, never null.
func (c ChangeSet) MarshalJSON() ([]byte, error) {
	type plain ChangeSet
	out := plain(c)
	if out.Created == nil {
		out.Created = []Payload{}
	}
	if out.Updated == nil {
		out.Updated = []Payload{}
	}
	if out.Deleted == nil {
		out.Deleted = []string{}
	}
	return json.Marshal(out)
}

// Changes groups the change sets of every collection.
type Changes struct {
	Tasks ChangeSet `json:"tasks"`
	Goals ChangeSet `json:"goals"`
}

// NewChanges returns empty change sets for every collection.
func NewChanges() Changes {
	return Changes{Tasks: NewChangeSet(), Goals: NewChangeSet()}
}

// For returns the change set of the given collection.
func (c *Changes) For(col Collection) *ChangeSet {
	if col == CollectionGoals {
		return &c.Goals
	}
	return &c.Tasks
}

func (c Changes) Empty() bool {
	return c.Tasks.Empty() && c.Goals.Empty()
}

func (c Changes) Len() int {
	return c.Tasks.Len() + c.Goals.Len()
}
