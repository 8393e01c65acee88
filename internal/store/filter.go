package store

import (
	"sort"
	"strings"

	"github.com/xandeum/pnode-monitor/internal/models"
)

// Sortable column names accepted by the view query.
const (
	SortIdentity      = "identity"
	SortPeerID        = "peer_id"
	SortStatus        = "status"
	SortVersion       = "version"
	SortUptime        = "uptime"
	SortPerformance   = "performance"
	SortReputation    = "reputation"
	SortStorageUsed   = "storage_used_gb"
	SortStorageCap    = "storage_cap_gb"
	SortLastHeartbeat = "last_heartbeat"
	SortSlotsProduced = "slots_produced"
	SortSlotsSkipped  = "slots_skipped"
)

// applyFilters derives the filtered, sorted projection from the dataset and
// query. Pure: the input slice is never mutated, and the same inputs always
// produce the same output, including relative order of equal sort keys.
func applyFilters(dataset []models.PNode, q Query) []models.PNode {
	filtered := make([]models.PNode, 0, len(dataset))

	search := strings.ToLower(strings.TrimSpace(q.Search))
	for _, node := range dataset {
		if q.Status != StatusAll && node.Status != q.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(node.Identity), search) &&
			!strings.Contains(strings.ToLower(node.PeerID), search) {
			continue
		}
		filtered = append(filtered, node)
	}

	less := lessFunc(q.SortKey)
	sort.SliceStable(filtered, func(i, j int) bool {
		if q.SortAsc {
			return less(filtered[i], filtered[j])
		}
		return less(filtered[j], filtered[i])
	})

	return filtered
}

// lessFunc returns the ascending comparator for a sort key. String columns
// compare case-insensitively, numeric columns by value. Unknown keys fall
// back to identity.
func lessFunc(key string) func(a, b models.PNode) bool {
	switch key {
	case SortPeerID:
		return func(a, b models.PNode) bool { return lessString(a.PeerID, b.PeerID) }
	case SortStatus:
		return func(a, b models.PNode) bool { return lessString(a.Status, b.Status) }
	case SortVersion:
		return func(a, b models.PNode) bool { return lessString(a.Version, b.Version) }
	case SortUptime:
		return func(a, b models.PNode) bool { return a.Uptime < b.Uptime }
	case SortPerformance:
		return func(a, b models.PNode) bool { return a.Performance < b.Performance }
	case SortReputation:
		return func(a, b models.PNode) bool { return a.Reputation < b.Reputation }
	case SortStorageUsed:
		return func(a, b models.PNode) bool { return a.StorageUsedGB < b.StorageUsedGB }
	case SortStorageCap:
		return func(a, b models.PNode) bool { return a.StorageCapGB < b.StorageCapGB }
	case SortLastHeartbeat:
		return func(a, b models.PNode) bool { return a.LastHeartbeat < b.LastHeartbeat }
	case SortSlotsProduced:
		return func(a, b models.PNode) bool { return a.SlotsProduced < b.SlotsProduced }
	case SortSlotsSkipped:
		return func(a, b models.PNode) bool { return a.SlotsSkipped < b.SlotsSkipped }
	default:
		return func(a, b models.PNode) bool { return lessString(a.Identity, b.Identity) }
	}
}

func lessString(a, b string) bool {
	return strings.ToLower(a) < strings.ToLower(b)
}

// pageSlice cuts one page out of the filtered projection. An index beyond
// the end yields an empty page rather than an error.
func pageSlice(filtered []models.PNode, page Page) []models.PNode {
	if page.Size <= 0 {
		return filtered
	}
	start := page.Index * page.Size
	if start < 0 || start >= len(filtered) {
		return []models.PNode{}
	}
	end := start + page.Size
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end]
}
