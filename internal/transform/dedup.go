package transform

// Record is the capability shared by both telemetry feeds: pod+stats
// entries and binary-decoded account records.
type Record interface {
	// Key returns the identity key; empty means the record is unusable.
	Key() string
	// LastSeen returns the last-seen Unix timestamp.
	LastSeen() int64
}

// Dedup collapses records sharing an identity key into one, preferring the
// most recently seen; ties keep the first encountered. Records without a
// key are dropped. Output preserves first-encounter order, but callers must
// not rely on any ordering.
func Dedup[T Record](records []T) []T {
	byKey := make(map[string]int, len(records))
	out := make([]T, 0, len(records))

	for _, rec := range records {
		key := rec.Key()
		if key == "" {
			continue
		}
		if idx, ok := byKey[key]; ok {
			if rec.LastSeen() > out[idx].LastSeen() {
				out[idx] = rec
			}
			continue
		}
		byKey[key] = len(out)
		out = append(out, rec)
	}
	return out
}
