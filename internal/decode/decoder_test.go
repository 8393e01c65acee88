package decode

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/xandeum/pnode-monitor/internal/models"
)

// buildAccountData encodes one pNode account in the fixed binary layout.
func buildAccountData(identity string, status uint8, uptime, performance, reputation float32, storageUsed, storageCap, slotsProduced, slotsSkipped uint64, peerID, version string, lastHeartbeat uint64) []byte {
	var buf []byte
	appendStr := func(s string) {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
		buf = append(buf, l[:]...)
		buf = append(buf, s...)
	}
	appendF32 := func(f float32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		buf = append(buf, b[:]...)
	}
	appendU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}

	appendStr(identity)
	buf = append(buf, status)
	appendF32(uptime)
	appendF32(performance)
	appendF32(reputation)
	appendU64(storageUsed)
	appendU64(storageCap)
	appendU64(slotsProduced)
	appendU64(slotsSkipped)
	appendStr(peerID)
	appendStr(version)
	appendU64(lastHeartbeat)
	return buf
}

func TestDecodeBinaryRecord(t *testing.T) {
	data := buildAccountData("node-1", 1, 99.5, 87.25, 8.5, 100, 200, 10, 2, "peer-1", "1.2.3", 1700000000)
	d := NewDecoder(nil)

	raw, err := d.Decode(models.AccountRecord{Pubkey: "pk1", Data: data})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if raw.Identity != "node-1" {
		t.Errorf("Expected Identity 'node-1', got %q", raw.Identity)
	}
	if raw.StatusCode != 1 {
		t.Errorf("Expected StatusCode 1, got %d", raw.StatusCode)
	}
	if math.Abs(raw.UptimeRaw-99.5) > 0.001 {
		t.Errorf("Expected UptimeRaw 99.5, got %f", raw.UptimeRaw)
	}
	if raw.StorageCap != 200 {
		t.Errorf("Expected StorageCap 200, got %d", raw.StorageCap)
	}
	if raw.PeerID != "peer-1" {
		t.Errorf("Expected PeerID 'peer-1', got %q", raw.PeerID)
	}
	if raw.Version != "1.2.3" {
		t.Errorf("Expected Version '1.2.3', got %q", raw.Version)
	}
	if raw.LastHeartbeatEpoch != 1700000000 {
		t.Errorf("Expected LastHeartbeatEpoch 1700000000, got %d", raw.LastHeartbeatEpoch)
	}
}

func TestDecodeSkipsDiscriminator(t *testing.T) {
	payload := buildAccountData("node-2", 2, 10, 20, 3, 1, 2, 3, 4, "peer-2", "0.9", 1700000001)
	// 0xFF prefix makes the offset-0 attempt fail on an absurd string
	// length, forcing the probe to offset 8.
	data := append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, payload...)

	raw, err := NewDecoder([]int{0, 8}).Decode(models.AccountRecord{Pubkey: "pk2", Data: data})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if raw.Identity != "node-2" {
		t.Errorf("Expected Identity 'node-2', got %q", raw.Identity)
	}
	if raw.StatusCode != 2 {
		t.Errorf("Expected StatusCode 2, got %d", raw.StatusCode)
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	data := buildAccountData("node-3", 0, 0, 0, 0, 0, 0, 0, 0, "p", "v", 1)
	data = append(data, 0xDE, 0xAD, 0xBE, 0xEF)

	raw, err := NewDecoder(nil).Decode(models.AccountRecord{Pubkey: "pk3", Data: data})
	if err != nil {
		t.Fatalf("Decode failed on trailing bytes: %v", err)
	}
	if raw.Identity != "node-3" {
		t.Errorf("Expected Identity 'node-3', got %q", raw.Identity)
	}
}

func TestDecodeLayoutMismatch(t *testing.T) {
	data := buildAccountData("node-4", 1, 1, 1, 1, 1, 1, 1, 1, "p", "v", 1)
	truncated := data[:len(data)-12]

	_, err := NewDecoder(nil).Decode(models.AccountRecord{Pubkey: "pk4", Data: truncated})
	if err == nil {
		t.Fatal("Expected decode error for truncated buffer")
	}

	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected *DecodeError, got %T", err)
	}
	if decodeErr.Reason != ReasonLayoutMismatch {
		t.Errorf("Expected reason %q, got %q", ReasonLayoutMismatch, decodeErr.Reason)
	}
}

func TestDecodeEmptyRecord(t *testing.T) {
	_, err := NewDecoder(nil).Decode(models.AccountRecord{Pubkey: "pk5"})
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected *DecodeError, got %v", err)
	}
	if decodeErr.Reason != ReasonEmptyRecord {
		t.Errorf("Expected reason %q, got %q", ReasonEmptyRecord, decodeErr.Reason)
	}
}

func TestDecodeParsedRecord(t *testing.T) {
	rec := models.AccountRecord{
		Pubkey: "pubkey123456",
		Parsed: map[string]any{
			"identity":      "node-6",
			"status":        float64(2),
			"uptime":        95.5,
			"storageUsed":   float64(1024),
			"lastHeartbeat": float64(1700000002),
		},
	}

	raw, err := NewDecoder(nil).Decode(rec)
	if err != nil {
		t.Fatalf("Decode of parsed record failed: %v", err)
	}
	if raw.Identity != "node-6" {
		t.Errorf("Expected Identity 'node-6', got %q", raw.Identity)
	}
	if raw.StatusCode != 2 {
		t.Errorf("Expected StatusCode 2, got %d", raw.StatusCode)
	}
	if raw.UptimeRaw != 95.5 {
		t.Errorf("Expected UptimeRaw 95.5, got %f", raw.UptimeRaw)
	}
	if raw.StorageUsed != 1024 {
		t.Errorf("Expected StorageUsed 1024, got %d", raw.StorageUsed)
	}
	// Missing fields default to zero values
	if raw.PerformanceRaw != 0 || raw.SlotsProduced != 0 || raw.Version != "" {
		t.Errorf("Expected zero defaults for missing fields, got %+v", raw)
	}
	// PeerID falls back to the pubkey
	if raw.PeerID != "pubkey123456" {
		t.Errorf("Expected PeerID fallback to pubkey, got %q", raw.PeerID)
	}
}

func TestDecodeParsedRecordNeverFails(t *testing.T) {
	tests := []struct {
		name   string
		parsed map[string]any
	}{
		{"empty map", map[string]any{}},
		{"wrong types", map[string]any{"identity": 42, "uptime": "not-a-number", "status": []any{}}},
		{"numeric strings", map[string]any{"uptime": "77.5", "storageUsed": "2048"}},
	}

	d := NewDecoder(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := d.Decode(models.AccountRecord{Pubkey: "pubkey123456", Parsed: tt.parsed})
			if err != nil {
				t.Fatalf("Expected parsed decode to succeed, got %v", err)
			}
			if raw.Identity != "pNode-pubkey12" {
				t.Errorf("Expected derived identity 'pNode-pubkey12', got %q", raw.Identity)
			}
		})
	}
}

func TestDecodeParsedNumericStrings(t *testing.T) {
	raw, err := NewDecoder(nil).Decode(models.AccountRecord{
		Pubkey: "pk7",
		Parsed: map[string]any{"uptime": "77.5", "storageUsed": "2048"},
	})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if raw.UptimeRaw != 77.5 {
		t.Errorf("Expected UptimeRaw 77.5, got %f", raw.UptimeRaw)
	}
	if raw.StorageUsed != 2048 {
		t.Errorf("Expected StorageUsed 2048, got %d", raw.StorageUsed)
	}
}
