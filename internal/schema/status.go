package schema

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusDiscarded  Status = "discarded"
)

// Rank orders statuses for conflict resolution: todo < in_progress < done < discarded.
// Unknown values rank below todo.
func (s Status) Rank() int {
	switch s {
	case StatusTodo:
		return 0
	case StatusInProgress:
		return 1
	case StatusDone:
		return 2
	case StatusDiscarded:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Timeframe is a goal horizon. The same values name recurrence types and the
// goal type a task is linked to.
type Timeframe string

const (
	Daily   Timeframe = "daily"
	Weekly  Timeframe = "weekly"
	Monthly Timeframe = "monthly"
	Yearly  Timeframe = "yearly"
)

func (t Timeframe) Valid() bool {
	switch t {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalExpired   GoalStatus = "expired"
)

// Collection names a synchronized record collection.
type Collection string

const (
	CollectionTasks Collection = "tasks"
	CollectionGoals Collection = "goals"
)

// Collections lists every synchronized collection in processing order.
var Collections = []Collection{CollectionTasks, CollectionGoals}

func (c Collection) Valid() bool {
	return c == CollectionTasks || c == CollectionGoals
}
