package store

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xandeum/pnode-monitor/internal/models"
)

// StatusAll disables status filtering.
const StatusAll = "all"

// DefaultPageSize matches the dashboard table.
const DefaultPageSize = 10

// Query holds the user-driven projection state.
type Query struct {
	Status  string `json:"status"`
	Search  string `json:"search"`
	SortKey string `json:"sort_key"`
	SortAsc bool   `json:"sort_asc"`
}

// Page addresses one window of the filtered projection.
type Page struct {
	Index int `json:"index"`
	Size  int `json:"size"`
}

// QueryUpdate is a partial query change; nil fields keep their current
// value.
type QueryUpdate struct {
	Status    *string
	Search    *string
	SortKey   *string
	SortAsc   *bool
	PageIndex *int
	PageSize  *int
}

// View is one consistent snapshot handed to readers and subscribers.
type View struct {
	Nodes         []models.PNode `json:"nodes"` // current page of the filtered projection
	FilteredCount int            `json:"filtered_count"`
	TotalCount    int            `json:"total_count"`
	TotalPages    int            `json:"total_pages"`
	Query         Query          `json:"query"`
	Page          Page           `json:"page"`
	LastUpdated   time.Time      `json:"last_updated"`
	Error         string         `json:"error,omitempty"`
}

type subscriber struct {
	id int
	fn func(View)
}

// Store owns the canonical pNode dataset and its filtered, sorted,
// paginated projection. The projection is recomputed from {dataset, query}
// on every change and never drifts from its inputs. All state is in-memory
// and rebuilt each session.
type Store struct {
	logger *logrus.Logger

	mu          sync.RWMutex
	dataset     []models.PNode
	filtered    []models.PNode
	query       Query
	page        Page
	lastUpdated time.Time
	lastErr     error
	subs        []subscriber
	nextSubID   int
}

// New creates an empty store with the default query (all statuses, sorted
// by identity ascending).
func New(pageSize int, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		logger:   logger,
		dataset:  []models.PNode{},
		filtered: []models.PNode{},
		query: Query{
			Status:  StatusAll,
			SortKey: SortIdentity,
			SortAsc: true,
		},
		page: Page{Index: 0, Size: pageSize},
	}
}

// ReplaceDataset atomically swaps the canonical dataset after a successful
// refresh cycle, clears any recorded ingestion error, clamps the page index
// if the filtered projection shrank, and notifies subscribers once.
func (s *Store) ReplaceDataset(nodes []models.PNode) {
	s.mu.Lock()
	s.dataset = append([]models.PNode(nil), nodes...)
	s.filtered = applyFilters(s.dataset, s.query)
	s.clampPageLocked()
	s.lastUpdated = time.Now()
	s.lastErr = nil
	view := s.viewLocked()
	subs := s.subsLocked()
	s.mu.Unlock()

	s.logger.WithField("count", len(nodes)).Debug("Dataset replaced")
	notify(subs, view)
}

// SetError records a failed refresh cycle. The previous dataset is kept
// stale-but-available for display.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	s.lastErr = err
	view := s.viewLocked()
	subs := s.subsLocked()
	s.mu.Unlock()

	notify(subs, view)
}

// SetQuery merges a partial query change, recomputes the projection when
// filter, search or sort changed (resetting to the first page), and
// notifies subscribers. A page-only change just moves the window.
func (s *Store) SetQuery(update QueryUpdate) View {
	s.mu.Lock()
	projectionChanged := false

	if update.Status != nil && *update.Status != s.query.Status {
		s.query.Status = *update.Status
		projectionChanged = true
	}
	if update.Search != nil && *update.Search != s.query.Search {
		s.query.Search = *update.Search
		projectionChanged = true
	}
	if update.SortKey != nil && *update.SortKey != s.query.SortKey {
		s.query.SortKey = *update.SortKey
		projectionChanged = true
	}
	if update.SortAsc != nil && *update.SortAsc != s.query.SortAsc {
		s.query.SortAsc = *update.SortAsc
		projectionChanged = true
	}
	if update.PageSize != nil && *update.PageSize > 0 {
		s.page.Size = *update.PageSize
	}
	if update.PageIndex != nil && *update.PageIndex >= 0 {
		s.page.Index = *update.PageIndex
	}

	if projectionChanged {
		s.page.Index = 0
		s.filtered = applyFilters(s.dataset, s.query)
	}

	view := s.viewLocked()
	subs := s.subsLocked()
	s.mu.Unlock()

	notify(subs, view)
	return view
}

// SetSort selects a sort column: a new column starts ascending, reselecting
// the current column toggles the direction.
func (s *Store) SetSort(key string) View {
	s.mu.RLock()
	asc := true
	if s.query.SortKey == key {
		asc = !s.query.SortAsc
	}
	s.mu.RUnlock()

	return s.SetQuery(QueryUpdate{SortKey: &key, SortAsc: &asc})
}

// Subscribe registers a callback invoked synchronously with a consistent
// view snapshot after every change, in registration order. The returned id
// unsubscribes.
func (s *Store) Subscribe(fn func(View)) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	s.subs = append(s.subs, subscriber{id: s.nextSubID, fn: fn})
	return s.nextSubID
}

// Unsubscribe removes a subscription by id.
func (s *Store) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// View returns the current consistent snapshot.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

// Dataset returns a copy of the canonical dataset.
func (s *Store) Dataset() []models.PNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.PNode(nil), s.dataset...)
}

// Node looks up one pNode by identity.
func (s *Store) Node(identity string) (models.PNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, node := range s.dataset {
		if node.Identity == identity {
			return node, true
		}
	}
	return models.PNode{}, false
}

// Stats computes aggregate statistics over the canonical dataset.
func (s *Store) Stats() models.AggregateStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.AggregateStats{TotalPNodes: len(s.dataset)}
	if len(s.dataset) == 0 {
		return stats
	}

	var uptimeSum, perfSum float64
	for _, node := range s.dataset {
		if node.Status == models.StatusActive {
			stats.ActivePNodes++
		}
		uptimeSum += node.Uptime
		perfSum += node.Performance
	}
	stats.AvgUptime = uptimeSum / float64(len(s.dataset))
	stats.AvgPerformance = perfSum / float64(len(s.dataset))
	return stats
}

// LastError returns the most recent ingestion error, if any.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// LastUpdated returns the time of the last successful dataset replace.
func (s *Store) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// clampPageLocked pulls the page index back to the last non-empty page
// after the filtered projection shrank.
func (s *Store) clampPageLocked() {
	if s.page.Size <= 0 || s.page.Index <= 0 {
		return
	}
	maxIndex := (len(s.filtered) - 1) / s.page.Size
	if maxIndex < 0 {
		maxIndex = 0
	}
	if s.page.Index > maxIndex {
		s.page.Index = maxIndex
	}
}

func (s *Store) viewLocked() View {
	view := View{
		Nodes:         append([]models.PNode(nil), pageSlice(s.filtered, s.page)...),
		FilteredCount: len(s.filtered),
		TotalCount:    len(s.dataset),
		Query:         s.query,
		Page:          s.page,
		LastUpdated:   s.lastUpdated,
	}
	if s.page.Size > 0 {
		view.TotalPages = (len(s.filtered) + s.page.Size - 1) / s.page.Size
	}
	if s.lastErr != nil {
		view.Error = s.lastErr.Error()
	}
	return view
}

func (s *Store) subsLocked() []subscriber {
	return append([]subscriber(nil), s.subs...)
}

// notify delivers the snapshot outside the store lock so subscribers can
// read back into the store without deadlocking. Delivery is synchronous and
// in registration order.
func notify(subs []subscriber, view View) {
	for _, sub := range subs {
		sub.fn(view)
	}
}
