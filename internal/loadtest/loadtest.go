// Package loadtest drives the sync service with many simulated devices.
//
// Every device of one account pulls, then pushes overlapping edits to a
// shared pool of tasks. This exercises the re-merge loop under real write
// contention and checks that the account converges: after the run every
// seeded task is present exactly once and still live.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/delta"
	"github.com/polravi/mapmyactivities/internal/schema"
	"github.com/polravi/mapmyactivities/internal/sortorder"
)

// Owner is the account every simulated device belongs to.
const Owner = "loadtest-user"

// seedBatch is how many tasks one seeding push carries.
const seedBatch = 200

// TestServer is a populated store and the service in front of it.
type TestServer struct {
	Store      *db.DB
	Service    *delta.Service
	TaskIDs    []string
	TotalTasks int
}

// LatencyStats captures performance metrics for one operation.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

// Report is the outcome of a run.
type Report struct {
	Devices   int
	Rounds    int
	Pull      *LatencyStats
	Push      *LatencyStats
	Conflicts int // pushes that gave up after the retry budget
	Elapsed   time.Duration
}

// CreateTestServer creates a store at dbPath seeded with numTasks tasks.
func CreateTestServer(ctx context.Context, dbPath string, numTasks int, opts ...delta.Option) (*TestServer, error) {
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ts := &TestServer{
		Store:      store,
		Service:    delta.New(store, opts...),
		TaskIDs:    make([]string, 0, numTasks),
		TotalTasks: numTasks,
	}

	tasks := generateTasks(numTasks)
	for start := 0; start < len(tasks); start += seedBatch {
		changes := schema.NewChanges()
		for _, p := range tasks[start:min(start+seedBatch, len(tasks))] {
			changes.Tasks.Created = append(changes.Tasks.Created, p)
			ts.TaskIDs = append(ts.TaskIDs, p.ID())
		}
		if err := ts.Service.Push(ctx, Owner, changes); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to seed tasks: %w", err)
		}
	}
	return ts, nil
}

// Close closes the store.
func (ts *TestServer) Close() error {
	if ts.Store != nil {
		return ts.Store.Close()
	}
	return nil
}

// generateTasks creates tasks spread over the quadrants with realistic
// priorities (weighted toward medium).
func generateTasks(count int) []schema.Payload {
	priorities := []schema.Priority{
		schema.PriorityLow, schema.PriorityMedium, schema.PriorityMedium,
		schema.PriorityMedium, schema.PriorityHigh,
	}
	out := make([]schema.Payload, 0, count)
	for i := 0; i < count; i++ {
		q := i%4 + 1
		p := schema.Payload{}
		_ = p.Set("id", fmt.Sprintf("load-%05d", i))
		_ = p.Set("title", fmt.Sprintf("Task %d", i))
		_ = p.Set("status", schema.StatusTodo)
		_ = p.Set("priority", priorities[i%len(priorities)])
		_ = p.Set("eisenhowerQuadrant", q)
		_ = p.Set("sortOrder", float64(i/4+1)*sortorder.Gap)
		_ = p.Set("tags", []string{"loadtest", fmt.Sprintf("batch-%d", i/100)})
		out = append(out, p)
	}
	return out
}

type recorder struct {
	mu        sync.Mutex
	pull      []time.Duration
	push      []time.Duration
	pullErrs  int
	pushErrs  int
	conflicts int
}

func (r *recorder) record(op string, d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch op {
	case "pull":
		r.pull = append(r.pull, d)
		if err != nil {
			r.pullErrs++
		}
	case "push":
		r.push = append(r.push, d)
		if errors.Is(err, delta.ErrConflict) {
			r.conflicts++
		} else if err != nil {
			r.pushErrs++
		}
	}
}

// RunDevices runs numDevices concurrent devices for rounds pull/push cycles.
// Each push edits editsPerPush random tasks; devices pick from the same
// pool, so edits collide.
func (ts *TestServer) RunDevices(ctx context.Context, numDevices, rounds, editsPerPush int) (*Report, error) {
	if numDevices < 1 || rounds < 1 {
		return nil, fmt.Errorf("need at least one device and one round")
	}
	if len(ts.TaskIDs) == 0 {
		return nil, fmt.Errorf("no tasks to edit")
	}

	rec := &recorder{}
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < numDevices; i++ {
		device := i
		g.Go(func() error {
			return ts.runDevice(ctx, device, rounds, editsPerPush, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Devices:   numDevices,
		Rounds:    rounds,
		Pull:      computeLatencyStats(rec.pull),
		Push:      computeLatencyStats(rec.push),
		Conflicts: rec.conflicts,
		Elapsed:   time.Since(start),
	}
	report.Pull.Errors = rec.pullErrs
	report.Push.Errors = rec.pushErrs
	return report, nil
}

func (ts *TestServer) runDevice(ctx context.Context, device, rounds, edits int, rec *recorder) error {
	// Deterministic per device for reproducibility.
	rng := rand.New(rand.NewSource(int64(42 + device)))
	var cursor *time.Time

	for round := 0; round < rounds; round++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		began := time.Now()
		res, err := ts.Service.Pull(ctx, Owner, cursor)
		rec.record("pull", time.Since(began), err)
		if err == nil {
			at := schema.FromMillis(schema.Millis(res.Timestamp))
			cursor = &at
		}

		changes := schema.NewChanges()
		picked := make(map[string]bool, edits)
		for len(picked) < min(edits, len(ts.TaskIDs)) {
			id := ts.TaskIDs[rng.Intn(len(ts.TaskIDs))]
			if picked[id] {
				continue
			}
			picked[id] = true
			changes.Tasks.Updated = append(changes.Tasks.Updated, randomEdit(rng, id, device, round))
		}

		began = time.Now()
		err = ts.Service.Push(ctx, Owner, changes)
		rec.record("push", time.Since(began), err)
	}
	return nil
}

func randomEdit(rng *rand.Rand, id string, device, round int) schema.Payload {
	p := schema.Payload{}
	_ = p.Set("id", id)
	switch rng.Intn(4) {
	case 0:
		_ = p.Set("title", fmt.Sprintf("edited by device %d in round %d", device, round))
	case 1:
		statuses := []schema.Status{schema.StatusTodo, schema.StatusInProgress, schema.StatusDone}
		_ = p.Set("status", statuses[rng.Intn(len(statuses))])
	case 2:
		_ = p.Set("eisenhowerQuadrant", rng.Intn(4)+1)
	default:
		_ = p.Set("sortOrder", rng.Float64()*1e6)
	}
	return p
}

// VerifyConvergence checks the account after a run: every seeded task is
// present once, live, and owned by the account.
func (ts *TestServer) VerifyConvergence(ctx context.Context) error {
	res, err := ts.Service.Pull(ctx, Owner, nil)
	if err != nil {
		return fmt.Errorf("final pull failed: %w", err)
	}
	resp := res.Response()
	seen := make(map[string]bool, len(ts.TaskIDs))
	for _, p := range resp.Changes.Tasks.Created {
		id := p.ID()
		if seen[id] {
			return fmt.Errorf("task %s pulled twice", id)
		}
		seen[id] = true

		var t schema.Task
		if err := p.Decode(&t); err != nil {
			return fmt.Errorf("task %s does not decode: %w", id, err)
		}
		if t.OwnerID != Owner {
			return fmt.Errorf("task %s has owner %q", id, t.OwnerID)
		}
	}
	for _, id := range ts.TaskIDs {
		if !seen[id] {
			return fmt.Errorf("task %s missing after run", id)
		}
	}
	if n := len(resp.Changes.Tasks.Deleted); n > 0 {
		return fmt.Errorf("%d tasks unexpectedly deleted", n)
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
	}
}

// PrintStats formats latency statistics.
func (s *LatencyStats) PrintStats(w io.Writer, name string) {
	fmt.Fprintf(w, "%s latency:\n", name)
	fmt.Fprintf(w, "  Total:         %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// Print writes the whole report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "%d devices x %d rounds in %v\n", r.Devices, r.Rounds, r.Elapsed.Round(time.Millisecond))
	r.Pull.PrintStats(w, "Pull")
	r.Push.PrintStats(w, "Push")
	fmt.Fprintf(w, "Pushes abandoned on conflict: %d\n", r.Conflicts)
}
