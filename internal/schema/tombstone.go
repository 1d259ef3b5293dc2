package schema

// Record is implemented by every synchronized record type.
type Record interface {
	RecordID() string
	IsDeleted() bool
}

const deletedKey = "deleted"

// MarkDeleted returns a copy of p with the tombstone flag set.
func MarkDeleted(p Payload) Payload {
	out := p.Clone()
	if out == nil {
		out = Payload{}
	}
	out[deletedKey] = []byte("true")
	return out
}

// IsTombstone reports whether the payload carries deleted: true.
func IsTombstone(p Payload) bool {
	b, _ := p.Bool(deletedKey)
	return b
}

// KeepTombstone makes sure a merge result never revives a deleted record.
func KeepTombstone(server, merged Payload) Payload {
	if IsTombstone(server) && !IsTombstone(merged) {
		return MarkDeleted(merged)
	}
	return merged
}

// Live filters tombstones out of records.
func Live[T Record](records []T) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if !r.IsDeleted() {
			out = append(out, r)
		}
	}
	return out
}
