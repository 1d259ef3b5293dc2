// Package importer loads tasks and goals from JSON or JSONL files into a
// device replica.
//
// A JSONL file carries one record per line. Lines may name their kind:
//
//	{"kind":"goal","title":"Read 12 books","timeframe":"yearly","targetCount":12}
//	{"kind":"task","title":"Buy milk","eisenhowerQuadrant":3}
//	{"title":"Bare lines are tasks"}
//
// A .json file holds either one such object or an array of them. Imported
// records are owned by the replica's user whatever ownerId the file says.
package importer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polravi/mapmyactivities/internal/replica"
	"github.com/polravi/mapmyactivities/internal/schema"
)

const (
	KindTask = "task"
	KindGoal = "goal"
)

// maxLine is the longest JSONL line accepted.
const maxLine = 1 << 20

// Creator receives the imported records.
type Creator interface {
	CreateTask(t *schema.Task) (*schema.Task, error)
	CreateGoal(g *schema.Goal) (*schema.Goal, error)
}

// Options configures an import.
type Options struct {
	DryRun bool // validate without writing
}

// Result contains statistics about an import.
type Result struct {
	Tasks   int
	Goals   int
	Skipped int // ids that already exist, and tombstones
	Failed  int
	Errors  []string
}

// Converted is the number of records written (or that would be, on a dry run).
func (r *Result) Converted() int {
	return r.Tasks + r.Goals
}

func (r *Result) fail(where string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", where, err))
}

// ImportFile imports path, choosing the format by extension.
func ImportFile(path string, dst Creator, opts Options) (*Result, error) {
	// #nosec G304 - path comes from the CLI or the watched inbox
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ImportJSON(f, dst, opts)
	}
	return ImportJSONL(f, dst, opts)
}

// ImportJSONL imports one record per line. Blank lines are ignored; a bad
// line is counted and the import goes on.
func ImportJSONL(r io.Reader, dst Creator, opts Options) (*Result, error) {
	res := &Result{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		importRecord(line, fmt.Sprintf("line %d", lineNum), dst, opts, res)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read line %d: %w", lineNum+1, err)
	}
	return res, nil
}

// ImportJSON imports a single object or an array of objects.
func ImportJSON(r io.Reader, dst Creator, opts Options) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	data = bytes.TrimSpace(data)

	res := &Result{}
	if len(data) > 0 && data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		for i, item := range items {
			importRecord(item, fmt.Sprintf("item %d", i), dst, opts, res)
		}
		return res, nil
	}
	importRecord(data, "record", dst, opts, res)
	return res, nil
}

func importRecord(data []byte, where string, dst Creator, opts Options, res *Result) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		res.fail(where, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	switch probe.Kind {
	case "", KindTask:
		var t schema.Task
		if err := json.Unmarshal(data, &t); err != nil {
			res.fail(where, err)
			return
		}
		if t.Deleted {
			res.Skipped++
			return
		}
		t.OwnerID = ""
		if opts.DryRun {
			if err := checkTask(t); err != nil {
				res.fail(where, err)
				return
			}
			res.Tasks++
			return
		}
		if _, err := dst.CreateTask(&t); err != nil {
			if errors.Is(err, replica.ErrExists) {
				res.Skipped++
				return
			}
			res.fail(where, err)
			return
		}
		res.Tasks++

	case KindGoal:
		var g schema.Goal
		if err := json.Unmarshal(data, &g); err != nil {
			res.fail(where, err)
			return
		}
		if g.Deleted {
			res.Skipped++
			return
		}
		g.OwnerID = ""
		if opts.DryRun {
			if err := checkGoal(g); err != nil {
				res.fail(where, err)
				return
			}
			res.Goals++
			return
		}
		if _, err := dst.CreateGoal(&g); err != nil {
			if errors.Is(err, replica.ErrExists) {
				res.Skipped++
				return
			}
			res.fail(where, err)
			return
		}
		res.Goals++

	default:
		res.fail(where, fmt.Errorf("unknown kind %q", probe.Kind))
	}
}

// checkTask validates a copy the way the replica would on create.
func checkTask(t schema.Task) error {
	t.ID, t.OwnerID = "dry-run", "dry-run"
	t.SetDefaults(time.Now())
	return t.Validate()
}

func checkGoal(g schema.Goal) error {
	g.ID, g.OwnerID = "dry-run", "dry-run"
	g.SetDefaults(time.Now())
	return g.Validate()
}
