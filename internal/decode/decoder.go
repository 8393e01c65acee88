package decode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/xandeum/pnode-monitor/internal/models"
)

const (
	// ReasonLayoutMismatch is reported when no candidate offset yields a
	// structurally valid record.
	ReasonLayoutMismatch = "layout-mismatch"
	// ReasonEmptyRecord is reported when an account carries neither parsed
	// fields nor a byte payload.
	ReasonEmptyRecord = "empty-record"

	// Borsh strings are u32-length-prefixed. Anything beyond this length is
	// treated as a layout mismatch rather than an allocation request.
	maxStringLen = 1024
)

// DecodeError describes a raw account record that could not be decoded.
type DecodeError struct {
	Pubkey string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode account %s: %s: %v", e.Pubkey, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode account %s: %s", e.Pubkey, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RawNodeRecord is the flat decoded form of one pNode account. It is an
// intermediate value: produced here, consumed by the transformer, never
// mutated.
type RawNodeRecord struct {
	Identity           string
	StatusCode         uint8
	UptimeRaw          float64
	PerformanceRaw     float64
	ReputationRaw      float64
	StorageUsed        uint64
	StorageCap         uint64
	SlotsProduced      uint64
	SlotsSkipped       uint64
	PeerID             string
	Version            string
	LastHeartbeatEpoch uint64
}

// Key returns the identity key used for deduplication.
func (r RawNodeRecord) Key() string { return r.Identity }

// LastSeen returns the last-heartbeat Unix timestamp.
func (r RawNodeRecord) LastSeen() int64 { return int64(r.LastHeartbeatEpoch) }

// DefaultOffsets are the discriminator offsets probed when decoding an
// opaque account blob. The account layout is unversioned upstream: some
// deployments prefix an 8-byte discriminator, some none at all.
var DefaultOffsets = []int{0, 8}

// Decoder turns raw account records into RawNodeRecords.
type Decoder struct {
	offsets []int
}

// NewDecoder creates a decoder probing the given candidate offsets in
// priority order. Nil or empty falls back to DefaultOffsets.
func NewDecoder(offsets []int) *Decoder {
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}
	return &Decoder{offsets: append([]int(nil), offsets...)}
}

// Decode produces a RawNodeRecord from one account record. Records that
// already carry parsed fields are mapped best-effort and never fail; byte
// payloads are decoded against the fixed binary layout at each candidate
// offset, accepting the first structurally valid result.
func (d *Decoder) Decode(rec models.AccountRecord) (RawNodeRecord, error) {
	if rec.Parsed != nil {
		return fromParsed(rec), nil
	}
	if len(rec.Data) == 0 {
		return RawNodeRecord{}, &DecodeError{Pubkey: rec.Pubkey, Reason: ReasonEmptyRecord}
	}

	var lastErr error
	for _, offset := range d.offsets {
		if offset >= len(rec.Data) {
			lastErr = fmt.Errorf("offset %d beyond %d-byte buffer", offset, len(rec.Data))
			continue
		}
		raw, err := decodeLayout(rec.Data[offset:])
		if err == nil {
			return raw, nil
		}
		lastErr = fmt.Errorf("offset %d: %w", offset, err)
	}
	return RawNodeRecord{}, &DecodeError{Pubkey: rec.Pubkey, Reason: ReasonLayoutMismatch, Err: lastErr}
}

// decodeLayout reads the fixed field sequence of a pNode account:
// string, u8, f32 x3, u64 x4, string x2, u64. Trailing bytes are ignored;
// only an insufficient buffer is a structural error.
func decodeLayout(buf []byte) (RawNodeRecord, error) {
	r := reader{buf: buf}
	var raw RawNodeRecord
	var err error

	if raw.Identity, err = r.str("identity"); err != nil {
		return raw, err
	}
	if raw.StatusCode, err = r.u8("status"); err != nil {
		return raw, err
	}
	if raw.UptimeRaw, err = r.f32("uptime"); err != nil {
		return raw, err
	}
	if raw.PerformanceRaw, err = r.f32("performance"); err != nil {
		return raw, err
	}
	if raw.ReputationRaw, err = r.f32("reputation"); err != nil {
		return raw, err
	}
	if raw.StorageUsed, err = r.u64("storage_used"); err != nil {
		return raw, err
	}
	if raw.StorageCap, err = r.u64("storage_cap"); err != nil {
		return raw, err
	}
	if raw.SlotsProduced, err = r.u64("slots_produced"); err != nil {
		return raw, err
	}
	if raw.SlotsSkipped, err = r.u64("slots_skipped"); err != nil {
		return raw, err
	}
	if raw.PeerID, err = r.str("peer_id"); err != nil {
		return raw, err
	}
	if raw.Version, err = r.str("version"); err != nil {
		return raw, err
	}
	if raw.LastHeartbeatEpoch, err = r.u64("last_heartbeat"); err != nil {
		return raw, err
	}
	return raw, nil
}

// fromParsed maps a server-parsed account object into a RawNodeRecord,
// substituting zero values for anything missing. Partial data is fine.
func fromParsed(rec models.AccountRecord) RawNodeRecord {
	p := rec.Parsed
	raw := RawNodeRecord{
		Identity:           getString(p, "identity"),
		StatusCode:         uint8(getUint(p, "status")),
		UptimeRaw:          getFloat(p, "uptime"),
		PerformanceRaw:     getFloat(p, "performance"),
		ReputationRaw:      getFloat(p, "reputation"),
		StorageUsed:        getUint(p, "storageUsed"),
		StorageCap:         getUint(p, "storageCap"),
		SlotsProduced:      getUint(p, "slotsProduced"),
		SlotsSkipped:       getUint(p, "slotsSkipped"),
		PeerID:             getString(p, "peerId"),
		Version:            getString(p, "version"),
		LastHeartbeatEpoch: getUint(p, "lastHeartbeat"),
	}
	if raw.Identity == "" && len(rec.Pubkey) >= 8 {
		raw.Identity = "pNode-" + rec.Pubkey[:8]
	} else if raw.Identity == "" {
		raw.Identity = rec.Pubkey
	}
	if raw.PeerID == "" {
		raw.PeerID = rec.Pubkey
	}
	return raw
}

func getString(parent map[string]any, key string) string {
	value, _ := parent[key].(string)
	return value
}

func getFloat(parent map[string]any, key string) float64 {
	switch value := parent[key].(type) {
	case float64:
		return value
	case int:
		return float64(value)
	case int64:
		return float64(value)
	case string:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		return 0
	default:
		return 0
	}
}

func getUint(parent map[string]any, key string) uint64 {
	switch value := parent[key].(type) {
	case float64:
		if value < 0 {
			return 0
		}
		return uint64(value)
	case int:
		if value < 0 {
			return 0
		}
		return uint64(value)
	case int64:
		if value < 0 {
			return 0
		}
		return uint64(value)
	case string:
		if u, err := strconv.ParseUint(value, 10, 64); err == nil {
			return u
		}
		return 0
	default:
		return 0
	}
}

// reader walks a borsh-encoded buffer. Every read fails cleanly when the
// remaining buffer is too short for the requested field.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int, field string) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("field %s: need %d bytes at offset %d, have %d", field, n, r.pos, len(r.buf)-r.pos)
	}
	return nil
}

func (r *reader) u8(field string) (uint8, error) {
	if err := r.need(1, field); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32(field string) (uint32, error) {
	if err := r.need(4, field); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64(field string) (uint64, error) {
	if err := r.need(8, field); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) f32(field string) (float64, error) {
	bits, err := r.u32(field)
	if err != nil {
		return 0, err
	}
	f := float64(math.Float32frombits(bits))
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, nil
	}
	return f, nil
}

func (r *reader) str(field string) (string, error) {
	length, err := r.u32(field)
	if err != nil {
		return "", err
	}
	if length > maxStringLen {
		return "", fmt.Errorf("field %s: string length %d exceeds limit", field, length)
	}
	if err := r.need(int(length), field); err != nil {
		return "", err
	}
	v := string(r.buf[r.pos : r.pos+int(length)])
	r.pos += int(length)
	return v, nil
}
