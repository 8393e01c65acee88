package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xandeum/pnode-monitor/internal/models"
	"github.com/xandeum/pnode-monitor/internal/store"
)

// fakeClient implements prpc.Client with overridable function fields.
type fakeClient struct {
	podsFn     func(ctx context.Context) (*models.PodsResponse, error)
	accountsFn func(ctx context.Context) ([]models.AccountRecord, error)
}

func (f *fakeClient) Call(ctx context.Context, method string) (json.RawMessage, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) GetPodsWithStats(ctx context.Context) (*models.PodsResponse, error) {
	if f.podsFn == nil {
		return nil, errors.New("pods feed unavailable")
	}
	return f.podsFn(ctx)
}

func (f *fakeClient) GetPods(ctx context.Context) (*models.PodsResponse, error) {
	return f.GetPodsWithStats(ctx)
}

func (f *fakeClient) GetProgramAccounts(ctx context.Context) ([]models.AccountRecord, error) {
	if f.accountsFn == nil {
		return nil, errors.New("accounts feed unavailable")
	}
	return f.accountsFn(ctx)
}

func (f *fakeClient) GetStats(ctx context.Context) (*models.NetworkStats, error) {
	return nil, errors.New("not implemented")
}

func podsResponse(pods ...models.PodRecord) *models.PodsResponse {
	return &models.PodsResponse{Pods: pods, TotalCount: len(pods)}
}

func TestRunCyclePodsSuccess(t *testing.T) {
	now := time.Now().Unix()
	client := &fakeClient{
		podsFn: func(ctx context.Context) (*models.PodsResponse, error) {
			return podsResponse(
				models.PodRecord{Pubkey: "A", LastSeenTimestamp: now, Uptime: 86400},
				models.PodRecord{Pubkey: "B", LastSeenTimestamp: now - 3600},
			), nil
		},
	}
	st := store.New(10, nil)
	ing := New(client, st, Options{SourceMode: SourcePods, CountdownTicks: 30}, nil)

	if err := ing.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	view := st.View()
	if view.TotalCount != 2 {
		t.Errorf("Expected 2 nodes in store, got %d", view.TotalCount)
	}
	if view.Error != "" {
		t.Errorf("Expected no error after successful cycle, got %q", view.Error)
	}
	if ing.State() != StateCooldown {
		t.Errorf("Expected state cooldown after cycle, got %q", ing.State())
	}
	if ing.Countdown() != 30 {
		t.Errorf("Expected countdown reset to 30, got %d", ing.Countdown())
	}
}

func TestRunCycleFailureKeepsDataset(t *testing.T) {
	now := time.Now().Unix()
	client := &fakeClient{
		podsFn: func(ctx context.Context) (*models.PodsResponse, error) {
			return podsResponse(models.PodRecord{Pubkey: "A", LastSeenTimestamp: now}), nil
		},
	}
	st := store.New(10, nil)
	ing := New(client, st, Options{SourceMode: SourcePods}, nil)

	if err := ing.RunCycle(context.Background()); err != nil {
		t.Fatalf("Seed cycle failed: %v", err)
	}

	client.podsFn = func(ctx context.Context) (*models.PodsResponse, error) {
		return nil, errors.New("connection refused")
	}
	if err := ing.RunCycle(context.Background()); err == nil {
		t.Fatal("Expected failed cycle to return an error")
	}

	view := st.View()
	if view.TotalCount != 1 {
		t.Errorf("Expected stale dataset preserved, got %d nodes", view.TotalCount)
	}
	if view.Error == "" {
		t.Error("Expected error recorded on store")
	}
	if ing.Countdown() != DefaultCountdownTicks {
		t.Errorf("Expected countdown reset after failed cycle, got %d", ing.Countdown())
	}
}

func TestRunCycleDeduplicatesPods(t *testing.T) {
	now := time.Now().Unix()
	client := &fakeClient{
		podsFn: func(ctx context.Context) (*models.PodsResponse, error) {
			return podsResponse(
				models.PodRecord{Pubkey: "A", LastSeenTimestamp: now - 100, Version: "old"},
				models.PodRecord{Pubkey: "A", LastSeenTimestamp: now, Version: "new"},
			), nil
		},
	}
	st := store.New(10, nil)
	ing := New(client, st, Options{SourceMode: SourcePods}, nil)

	if err := ing.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	nodes := st.Dataset()
	if len(nodes) != 1 {
		t.Fatalf("Expected duplicate pubkeys collapsed to 1 node, got %d", len(nodes))
	}
	if nodes[0].Version != "new" {
		t.Errorf("Expected the most recent fragment to win, got version %q", nodes[0].Version)
	}
}

func TestAutoFallsBackToAccounts(t *testing.T) {
	client := &fakeClient{
		podsFn: func(ctx context.Context) (*models.PodsResponse, error) {
			return nil, errors.New("method not found")
		},
		accountsFn: func(ctx context.Context) ([]models.AccountRecord, error) {
			return []models.AccountRecord{
				{Pubkey: "pubkey-good", Parsed: map[string]any{"identity": "node-1", "status": float64(1)}},
				{Pubkey: "pubkey-bad", Data: []byte{0x01, 0x02, 0x03}}, // undecodable, dropped
			}, nil
		},
	}
	st := store.New(10, nil)
	ing := New(client, st, Options{SourceMode: SourceAuto}, nil)

	if err := ing.RunCycle(context.Background()); err != nil {
		t.Fatalf("Expected fallback cycle to succeed, got %v", err)
	}

	nodes := st.Dataset()
	if len(nodes) != 1 {
		t.Fatalf("Expected 1 decoded node after dropping bad record, got %d", len(nodes))
	}
	if nodes[0].Identity != "node-1" {
		t.Errorf("Expected decoded identity 'node-1', got %q", nodes[0].Identity)
	}
}

func TestAutoBothFeedsFail(t *testing.T) {
	client := &fakeClient{
		podsFn: func(ctx context.Context) (*models.PodsResponse, error) {
			return nil, errors.New("pods down")
		},
		accountsFn: func(ctx context.Context) ([]models.AccountRecord, error) {
			return nil, errors.New("accounts down")
		},
	}
	st := store.New(10, nil)
	ing := New(client, st, Options{SourceMode: SourceAuto}, nil)

	if err := ing.RunCycle(context.Background()); err == nil {
		t.Fatal("Expected error when both feeds fail")
	}
	if st.LastError() == nil {
		t.Error("Expected error recorded on store")
	}
}

func TestRunCycleCoalescesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	client := &fakeClient{
		podsFn: func(ctx context.Context) (*models.PodsResponse, error) {
			close(started)
			<-release
			return podsResponse(), nil
		},
	}
	st := store.New(10, nil)
	ing := New(client, st, Options{SourceMode: SourcePods}, nil)

	done := make(chan error, 1)
	go func() { done <- ing.RunCycle(context.Background()) }()
	<-started

	// A second cycle while one is in flight is a no-op.
	if err := ing.RunCycle(context.Background()); err != nil {
		t.Errorf("Expected coalesced cycle to return nil, got %v", err)
	}
	if ing.TryRefresh(context.Background()) {
		t.Error("Expected TryRefresh to report false while a cycle is in flight")
	}
	if ing.State() != StateFetching {
		t.Errorf("Expected state fetching while in flight, got %q", ing.State())
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("In-flight cycle failed: %v", err)
	}
}

func TestTryRefreshWhenIdle(t *testing.T) {
	client := &fakeClient{
		podsFn: func(ctx context.Context) (*models.PodsResponse, error) {
			return podsResponse(), nil
		},
	}
	st := store.New(10, nil)
	ing := New(client, st, Options{SourceMode: SourcePods}, nil)

	if !ing.TryRefresh(context.Background()) {
		t.Error("Expected TryRefresh to accept while idle")
	}
}

func TestNewDefaultsInvalidOptions(t *testing.T) {
	st := store.New(10, nil)
	ing := New(&fakeClient{}, st, Options{SourceMode: "bogus", CountdownTicks: -5}, nil)

	if ing.sourceMode != SourceAuto {
		t.Errorf("Expected invalid source mode to default to auto, got %q", ing.sourceMode)
	}
	if ing.countdownWindow != DefaultCountdownTicks {
		t.Errorf("Expected default countdown window, got %d", ing.countdownWindow)
	}
	if ing.State() != StateIdle {
		t.Errorf("Expected initial state idle, got %q", ing.State())
	}
}

func TestGeoEnrichmentApplied(t *testing.T) {
	now := time.Now().Unix()
	client := &fakeClient{
		podsFn: func(ctx context.Context) (*models.PodsResponse, error) {
			return podsResponse(models.PodRecord{Pubkey: "A", LastSeenTimestamp: now}), nil
		},
	}
	st := store.New(10, nil)
	ing := New(client, st, Options{
		SourceMode: SourcePods,
		GeoEnricher: enricherFunc(func(node *models.PNode) error {
			node.CountryCode = "DE"
			node.City = "Berlin"
			return nil
		}),
	}, nil)

	if err := ing.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	nodes := st.Dataset()
	if len(nodes) != 1 || nodes[0].CountryCode != "DE" || nodes[0].City != "Berlin" {
		t.Errorf("Expected geo enrichment applied, got %+v", nodes)
	}
}

type enricherFunc func(*models.PNode) error

func (f enricherFunc) EnrichPNode(node *models.PNode) error { return f(node) }
