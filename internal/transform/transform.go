package transform

import (
	"math"
	"time"

	"github.com/xandeum/pnode-monitor/internal/decode"
	"github.com/xandeum/pnode-monitor/internal/models"
)

const bytesPerGB = 1 << 30

// Params holds the scoring constants. The values are inherited from the
// dashboard formulas and are tuning knobs, not derived quantities.
type Params struct {
	ActiveWindow          time.Duration // last-seen window counted as active
	UptimeReference       time.Duration // uptime normalization period
	OptimalUsagePercent   float64       // storage balance sweet spot
	RecencyDecayPerMinute float64       // performance points lost per minute
	UptimePointsPerDay    float64       // reputation points per uptime day
	StorageGBPerPoint     float64       // committed GB per reputation point
	RecencyDecayPerHour   float64       // reputation points lost per hour
	PublicPerfBonus       float64
	PublicRepBonus        float64
	VersionRepBonus       float64
}

// DefaultParams returns the scoring constants used by the dashboard.
func DefaultParams() Params {
	return Params{
		ActiveWindow:          5 * time.Minute,
		UptimeReference:       24 * time.Hour,
		OptimalUsagePercent:   50,
		RecencyDecayPerMinute: 2,
		UptimePointsPerDay:    0.1,
		StorageGBPerPoint:     20,
		RecencyDecayPerHour:   0.5,
		PublicPerfBonus:       100,
		PublicRepBonus:        2,
		VersionRepBonus:       1,
	}
}

// Transformer maps raw telemetry records into PNodes. Pure: the reference
// time is injected, no I/O, and any missing input defaults to zero before
// scoring, so a transform never fails.
type Transformer struct {
	params Params
}

// New creates a Transformer with the given scoring parameters.
func New(params Params) *Transformer {
	return &Transformer{params: params}
}

// FromPod derives a PNode from one pod+stats record of the aggregated feed.
func (t *Transformer) FromPod(pod models.PodRecord, now time.Time) models.PNode {
	lastSeen := pod.LastSeenTimestamp
	version := pod.Version
	if version == "" {
		version = "unknown"
	}
	peerID := pod.Address
	if peerID == "" {
		peerID = pod.Pubkey
	}

	return models.PNode{
		Identity:      pod.Pubkey,
		PeerID:        peerID,
		Version:       version,
		Status:        t.statusFromLastSeen(lastSeen, now),
		Uptime:        t.uptimePercent(pod.Uptime),
		LastHeartbeat: lastSeen,
		Performance:   t.performance(pod, now),
		Reputation:    t.reputation(pod, now),
		StorageUsedGB: roundGB(pod.StorageUsed),
		StorageCapGB:  roundGB(pod.StorageCommitted),
	}
}

// FromDecoded derives a PNode from one binary-decoded account record. The
// account already carries score fields; they are clamped into their
// documented ranges rather than recomputed.
func (t *Transformer) FromDecoded(raw decode.RawNodeRecord, now time.Time) models.PNode {
	lastSeen := int64(raw.LastHeartbeatEpoch)
	if lastSeen == 0 {
		lastSeen = now.Unix()
	}
	version := raw.Version
	if version == "" {
		version = "unknown"
	}

	return models.PNode{
		Identity:      raw.Identity,
		PeerID:        raw.PeerID,
		Version:       version,
		Status:        statusFromCode(raw.StatusCode),
		Uptime:        clamp(raw.UptimeRaw, 0, 100),
		LastHeartbeat: lastSeen,
		Performance:   clamp(raw.PerformanceRaw, 0, 100),
		Reputation:    clamp(raw.ReputationRaw, 0, 10),
		StorageUsedGB: roundGB(raw.StorageUsed),
		StorageCapGB:  roundGB(raw.StorageCap),
		SlotsProduced: raw.SlotsProduced,
		SlotsSkipped:  raw.SlotsSkipped,
	}
}

func (t *Transformer) statusFromLastSeen(lastSeen int64, now time.Time) string {
	if time.Duration(now.Unix()-lastSeen)*time.Second < t.params.ActiveWindow {
		return models.StatusActive
	}
	return models.StatusInactive
}

func statusFromCode(code uint8) string {
	switch code {
	case 1:
		return models.StatusActive
	case 2:
		return models.StatusSyncing
	default:
		return models.StatusInactive
	}
}

// uptimePercent normalizes an uptime duration against the reference period.
// Anything at or beyond one full period counts as 100.
func (t *Transformer) uptimePercent(uptimeSeconds uint64) float64 {
	if uptimeSeconds == 0 {
		return 0
	}
	ref := t.params.UptimeReference.Seconds()
	return math.Min(100, float64(uptimeSeconds)/ref*100)
}

// performance scores a pod 0-100 as the mean of the factors whose
// preconditions hold. The recency factor always participates.
func (t *Transformer) performance(pod models.PodRecord, now time.Time) float64 {
	var score float64
	var factors int

	// Storage balance: best around the optimal usage percentage, only
	// meaningful when usage is strictly between empty and full.
	if pod.StorageUsagePercent > 0 && pod.StorageUsagePercent < 100 {
		balance := 100 - math.Abs(pod.StorageUsagePercent-t.params.OptimalUsagePercent)*2
		score += math.Max(0, balance)
		factors++
	}

	if pod.Uptime > 0 {
		score += t.uptimePercent(pod.Uptime)
		factors++
	}

	minutesSince := float64(now.Unix()-pod.LastSeenTimestamp) / 60
	recency := math.Max(0, 100-minutesSince*t.params.RecencyDecayPerMinute)
	score += math.Min(100, recency)
	factors++

	if pod.IsPublic {
		score += t.params.PublicPerfBonus
		factors++
	}

	if factors == 0 {
		return 0
	}
	return score / float64(factors)
}

// reputation scores a pod 0-10, additive across independent factors and
// capped, not averaged.
func (t *Transformer) reputation(pod models.PodRecord, now time.Time) float64 {
	var score float64

	if pod.Uptime > 0 {
		uptimeDays := float64(pod.Uptime) / 86400
		score += math.Min(10, uptimeDays*t.params.UptimePointsPerDay)
	}

	if pod.StorageCommitted > 0 {
		committedGB := float64(pod.StorageCommitted) / bytesPerGB
		score += math.Min(5, committedGB/t.params.StorageGBPerPoint)
	}

	hoursSince := float64(now.Unix()-pod.LastSeenTimestamp) / 3600
	score += math.Max(0, 5-hoursSince*t.params.RecencyDecayPerHour)

	if pod.IsPublic {
		score += t.params.PublicRepBonus
	}
	if pod.Version != "" {
		score += t.params.VersionRepBonus
	}

	return math.Min(10, score)
}

// roundGB converts bytes to GB rounded to one decimal place.
func roundGB(bytes uint64) float64 {
	return math.Round(float64(bytes)/bytesPerGB*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
