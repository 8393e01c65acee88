package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Node status values derived from telemetry.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusSyncing  = "syncing"
)

// PNode represents one monitored storage node with its derived metrics
type PNode struct {
	// Node Identifier
	Identity string `json:"identity"` // Unique key within one dataset snapshot
	PeerID   string `json:"peer_id"`  // Network address, pubkey fallback
	Version  string `json:"version"`

	// Health
	Status        string  `json:"status"`         // "active", "inactive", "syncing"
	Uptime        float64 `json:"uptime"`         // 0-100
	LastHeartbeat int64   `json:"last_heartbeat"` // Unix timestamp

	// Scores
	Performance float64 `json:"performance"` // 0-100
	Reputation  float64 `json:"reputation"`  // 0-10

	// Storage
	StorageUsedGB float64 `json:"storage_used_gb"`
	StorageCapGB  float64 `json:"storage_cap_gb"`

	// Slot accounting (binary feed only)
	SlotsProduced uint64 `json:"slots_produced"`
	SlotsSkipped  uint64 `json:"slots_skipped"`

	// Geolocation enrichment (optional)
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	City        string  `json:"city,omitempty"`
}

// PodRecord is one pod+stats entry as returned by the pRPC
// get-pods-with-stats method.
type PodRecord struct {
	Pubkey              string  `json:"pubkey"`
	Address             string  `json:"address"`
	Version             string  `json:"version"`
	IsPublic            bool    `json:"is_public"`
	LastSeenTimestamp   int64   `json:"last_seen_timestamp"`
	RPCPort             int     `json:"rpc_port"`
	StorageCommitted    uint64  `json:"storage_committed"`
	StorageUsed         uint64  `json:"storage_used"`
	StorageUsagePercent float64 `json:"storage_usage_percent"`
	Uptime              uint64  `json:"uptime"` // seconds
}

// Key returns the identity key used for deduplication.
func (p PodRecord) Key() string { return p.Pubkey }

// LastSeen returns the last-seen Unix timestamp.
func (p PodRecord) LastSeen() int64 { return p.LastSeenTimestamp }

// AccountRecord is one raw program account from the getProgramAccounts
// feed. Exactly one of Parsed or Data carries the payload: Parsed when the
// endpoint already decoded the account server-side, Data when it returned
// an opaque base64 blob.
type AccountRecord struct {
	Pubkey string
	Parsed map[string]any
	Data   []byte
}

// accountRecordWire mirrors the JSON shape of a program account entry.
// account.data is either "base64", ["base64", "base64"] or {"parsed": {...}}.
type accountRecordWire struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data json.RawMessage `json:"data"`
	} `json:"account"`
}

// UnmarshalJSON decodes the three account.data encodings the endpoint is
// known to emit.
func (a *AccountRecord) UnmarshalJSON(raw []byte) error {
	var wire accountRecordWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	a.Pubkey = wire.Pubkey
	a.Parsed = nil
	a.Data = nil

	data := wire.Account.Data
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	switch data[0] {
	case '{':
		var obj struct {
			Parsed map[string]any `json:"parsed"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("account %s: invalid parsed data: %w", a.Pubkey, err)
		}
		a.Parsed = obj.Parsed
		return nil
	case '[':
		var pair []string
		if err := json.Unmarshal(data, &pair); err != nil {
			return fmt.Errorf("account %s: invalid data tuple: %w", a.Pubkey, err)
		}
		if len(pair) == 0 {
			return nil
		}
		return a.decodeBase64(pair[0])
	default:
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return fmt.Errorf("account %s: invalid data field: %w", a.Pubkey, err)
		}
		return a.decodeBase64(encoded)
	}
}

func (a *AccountRecord) decodeBase64(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("account %s: base64 decode failed: %w", a.Pubkey, err)
	}
	a.Data = decoded
	return nil
}

// PodsResponse is the get-pods-with-stats result payload.
type PodsResponse struct {
	Pods       []PodRecord `json:"pods"`
	TotalCount int         `json:"total_count"`
}

// NetworkStats is the get-stats result payload of the pRPC endpoint.
type NetworkStats struct {
	ActiveStreams   int     `json:"active_streams"`
	CPUPercent      float64 `json:"cpu_percent"`
	CurrentIndex    uint64  `json:"current_index"`
	FileSize        uint64  `json:"file_size"`
	LastUpdated     int64   `json:"last_updated"`
	PacketsReceived uint64  `json:"packets_received"`
	PacketsSent     uint64  `json:"packets_sent"`
	RAMTotal        uint64  `json:"ram_total"`
	RAMUsed         uint64  `json:"ram_used"`
	TotalBytes      uint64  `json:"total_bytes"`
	TotalPages      uint64  `json:"total_pages"`
	Uptime          uint64  `json:"uptime"`
}

// AggregateStats summarizes the current dataset for the presentation layer.
type AggregateStats struct {
	TotalPNodes    int     `json:"total_pnodes"`
	ActivePNodes   int     `json:"active_pnodes"`
	AvgUptime      float64 `json:"avg_uptime"`
	AvgPerformance float64 `json:"avg_performance"`
}

// GeoLocation represents geographic location data
type GeoLocation struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	CountryCode string  `json:"country_code"`
	City        string  `json:"city"`
}
