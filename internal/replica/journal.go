package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/polravi/mapmyactivities/internal/schema"
)

type op string

const (
	opCreated op = "created"
	opUpdated op = "updated"
	opDeleted op = "deleted"
)

// entry is the journal record of a locally changed record.
type entry struct {
	Op     op       `json:"op"`
	Fields []string `json:"fields,omitempty"` // payload keys changed by updates
	Seq    uint64   `json:"seq"`
}

var pendingPrefix = []byte("pending/")

func recordPrefix(col schema.Collection) string {
	if col == schema.CollectionGoals {
		return "goal/"
	}
	return "task/"
}

func recordKey(col schema.Collection, id string) []byte {
	return []byte(recordPrefix(col) + id)
}

func pendingKey(col schema.Collection, id string) []byte {
	return []byte(string(pendingPrefix) + string(col) + "/" + id)
}

func parsePendingKey(key []byte) (schema.Collection, string, bool) {
	rest, ok := strings.CutPrefix(string(key), string(pendingPrefix))
	if !ok {
		return "", "", false
	}
	col, id, ok := strings.Cut(rest, "/")
	if !ok || !schema.Collection(col).Valid() {
		return "", "", false
	}
	return schema.Collection(col), id, true
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getPayload(txn *badger.Txn, col schema.Collection, id string) (schema.Payload, error) {
	var p schema.Payload
	found, err := getJSON(txn, recordKey(col, id), &p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s: %w", col, id, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return p, nil
}

func getEntry(txn *badger.Txn, col schema.Collection, id string) (*entry, error) {
	var e entry
	found, err := getJSON(txn, pendingKey(col, id), &e)
	if err != nil || !found {
		return nil, err
	}
	return &e, nil
}

// journal records a local change of (col, id). A created record stays
// created until it is pushed; updates accumulate their field names; a delete
// supersedes everything.
func journal(txn *badger.Txn, col schema.Collection, id string, o op, fields ...string) error {
	e, err := getEntry(txn, col, id)
	if err != nil {
		return err
	}
	switch {
	case e == nil:
		e = &entry{Op: o}
		if o == opUpdated {
			e.Fields = fields
		}
	case o == opDeleted:
		e.Op = opDeleted
		e.Fields = nil
	case e.Op == opUpdated:
		e.Fields = append(e.Fields, fields...)
	}
	slices.Sort(e.Fields)
	e.Fields = slices.Compact(e.Fields)

	seq, err := nextSeq(txn)
	if err != nil {
		return err
	}
	e.Seq = seq
	return setJSON(txn, pendingKey(col, id), e)
}

// Pending is a snapshot of the journal, ready to push.
type Pending struct {
	Changes schema.Changes
	seqs    map[string]uint64
}

func (p *Pending) Len() int { return p.Changes.Len() }

// pushStripped keys are never sent for created records; the server assigns them.
var pushStripped = []string{"version", "ownerId"}

// PendingChanges builds the push payload from the journal. Created records
// are sent whole, updated ones as id plus the changed fields.
func (s *Store) PendingChanges() (*Pending, error) {
	p := &Pending{Changes: schema.NewChanges(), seqs: map[string]uint64{}}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(pendingPrefix); it.ValidForPrefix(pendingPrefix); it.Next() {
			item := it.Item()
			col, id, ok := parsePendingKey(item.Key())
			if !ok {
				continue
			}
			var e entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return fmt.Errorf("corrupt journal entry %s: %w", item.Key(), err)
			}
			cs := p.Changes.For(col)

			switch e.Op {
			case opDeleted:
				cs.Deleted = append(cs.Deleted, id)
			case opCreated, opUpdated:
				record, err := getPayload(txn, col, id)
				if errors.Is(err, ErrNotFound) {
					s.logger.Warn("journal entry without record", "collection", col, "id", id)
					continue
				}
				if err != nil {
					return err
				}
				if e.Op == opCreated {
					cs.Created = append(cs.Created, record.Without(pushStripped...))
				} else {
					cs.Updated = append(cs.Updated, pick(record, e.Fields))
				}
			}
			p.seqs[string(item.KeyCopy(nil))] = e.Seq
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read pending changes: %w", err)
	}
	return p, nil
}

// PendingCount returns the number of journaled records.
func (s *Store) PendingCount() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(pendingPrefix); it.ValidForPrefix(pendingPrefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// MarkSynced clears the journal entries captured in p that have not changed
// since, purges pushed tombstones and stores the new cursor.
func (s *Store) MarkSynced(p *Pending, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		for key, seq := range p.seqs {
			col, id, ok := parsePendingKey([]byte(key))
			if !ok {
				continue
			}
			e, err := getEntry(txn, col, id)
			if err != nil {
				return err
			}
			if e == nil || e.Seq != seq {
				continue
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			if e.Op == opDeleted {
				if err := txn.Delete(recordKey(col, id)); err != nil {
					return err
				}
			}
		}
		return txn.Set(keyCursor, []byte(strconv.FormatInt(cursor, 10)))
	})
	if err != nil {
		return fmt.Errorf("failed to mark synced: %w", err)
	}
	return nil
}

// ApplyResult counts what ApplyRemote did.
type ApplyResult struct {
	Applied int // remote records written as-is
	Kept    int // records whose local pending changes were kept on top
	Deleted int // records removed by remote tombstones
}

// ApplyRemote writes pulled changes into the replica. Records with pending
// local changes keep them: a local delete or create wins outright, a local
// update keeps its changed fields over the remote record. Remote deletions
// always win.
func (s *Store) ApplyRemote(changes schema.Changes) (*ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &ApplyResult{}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, col := range schema.Collections {
			cs := changes.For(col)
			for _, remote := range slices.Concat(cs.Created, cs.Updated) {
				if err := applyRecord(txn, col, remote, res); err != nil {
					return err
				}
			}
			for _, id := range cs.Deleted {
				if err := txn.Delete(recordKey(col, id)); err != nil {
					return err
				}
				if err := txn.Delete(pendingKey(col, id)); err != nil {
					return err
				}
				res.Deleted++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply remote changes: %w", err)
	}
	return res, nil
}

func applyRecord(txn *badger.Txn, col schema.Collection, remote schema.Payload, res *ApplyResult) error {
	id := remote.ID()
	if id == "" {
		return fmt.Errorf("remote %s record without id", col)
	}
	if schema.IsTombstone(remote) {
		res.Deleted++
		if err := txn.Delete(pendingKey(col, id)); err != nil {
			return err
		}
		return txn.Delete(recordKey(col, id))
	}

	e, err := getEntry(txn, col, id)
	if err != nil {
		return err
	}
	if e == nil {
		res.Applied++
		return setJSON(txn, recordKey(col, id), remote)
	}

	res.Kept++
	if e.Op != opUpdated {
		return nil
	}
	local, err := getPayload(txn, col, id)
	if errors.Is(err, ErrNotFound) {
		return setJSON(txn, recordKey(col, id), remote)
	}
	if err != nil {
		return err
	}
	return setJSON(txn, recordKey(col, id), remote.Overlay(pick(local, e.Fields)))
}

// pick returns the id and the given keys of p.
func pick(p schema.Payload, keys []string) schema.Payload {
	out := schema.Payload{"id": p["id"]}
	for _, k := range keys {
		if v, ok := p[k]; ok {
			out[k] = v
		}
	}
	return out
}
