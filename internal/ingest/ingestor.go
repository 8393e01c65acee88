package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xandeum/pnode-monitor/internal/decode"
	"github.com/xandeum/pnode-monitor/internal/metrics"
	"github.com/xandeum/pnode-monitor/internal/models"
	"github.com/xandeum/pnode-monitor/internal/prpc"
	"github.com/xandeum/pnode-monitor/internal/store"
	"github.com/xandeum/pnode-monitor/internal/transform"
)

// Scheduler states.
const (
	StateIdle     = "idle"
	StateFetching = "fetching"
	StateCooldown = "cooldown"
)

// Source modes selecting which pRPC feed drives a cycle.
const (
	SourcePods     = "pods"     // get-pods-with-stats, pre-aggregated records
	SourceAccounts = "accounts" // getProgramAccounts, binary decode path
	SourceAuto     = "auto"     // pods first, accounts as fallback
)

// DefaultCountdownTicks is the refresh window shown to users, in seconds.
const DefaultCountdownTicks = 59

// GeoEnricher adds geolocation data to a pNode.
type GeoEnricher interface {
	EnrichPNode(node *models.PNode) error
}

// Ingestor drives the perpetual refresh cycle: fetch, decode, transform,
// dedup, dataset replace. At most one cycle is in flight; timer ticks and
// manual triggers arriving during a cycle are dropped, not queued.
type Ingestor struct {
	client      prpc.Client
	store       *store.Store
	transformer *transform.Transformer
	decoder     *decode.Decoder
	geo         GeoEnricher
	logger      *logrus.Logger

	sourceMode      string
	countdownWindow int

	inFlight atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	state     string
	countdown int
}

// Options configures an Ingestor.
type Options struct {
	SourceMode     string
	CountdownTicks int
	DecodeOffsets  []int
	ScoringParams  transform.Params
	GeoEnricher    GeoEnricher
}

// New creates an Ingestor bound to a client and a store.
func New(client prpc.Client, st *store.Store, opts Options, logger *logrus.Logger) *Ingestor {
	if logger == nil {
		logger = logrus.New()
	}
	mode := opts.SourceMode
	switch mode {
	case SourcePods, SourceAccounts, SourceAuto:
	default:
		mode = SourceAuto
	}
	ticks := opts.CountdownTicks
	if ticks <= 0 {
		ticks = DefaultCountdownTicks
	}
	params := opts.ScoringParams
	if params == (transform.Params{}) {
		params = transform.DefaultParams()
	}

	return &Ingestor{
		client:          client,
		store:           st,
		transformer:     transform.New(params),
		decoder:         decode.NewDecoder(opts.DecodeOffsets),
		geo:             opts.GeoEnricher,
		logger:          logger,
		sourceMode:      mode,
		countdownWindow: ticks,
		stopChan:        make(chan struct{}),
		state:           StateIdle,
		countdown:       ticks,
	}
}

// Start begins the countdown loop: one immediate cycle, then one tick per
// second counting down to the next automatic refresh. Runs until Stop or
// context cancellation.
func (ing *Ingestor) Start(ctx context.Context) {
	go func() {
		if err := ing.RunCycle(ctx); err != nil {
			ing.logger.WithError(err).Error("Initial refresh cycle failed")
		}

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ing.stopChan:
				ing.logger.Info("Ingestor stopped")
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ing.tick() {
					go func() {
						if err := ing.RunCycle(ctx); err != nil {
							ing.logger.WithError(err).Error("Scheduled refresh cycle failed")
						}
					}()
				}
			}
		}
	}()
}

// Stop halts the countdown loop.
func (ing *Ingestor) Stop() {
	ing.stopOnce.Do(func() { close(ing.stopChan) })
}

// tick decrements the countdown and reports whether a refresh is due. The
// countdown holds at zero while a cycle is in flight and resets when the
// cycle completes.
func (ing *Ingestor) tick() bool {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	if ing.countdown > 0 {
		ing.countdown--
	}
	return ing.countdown == 0 && !ing.inFlight.Load()
}

// TryRefresh requests an on-demand cycle. Returns false when a cycle is
// already in flight; the request is then dropped, not queued.
func (ing *Ingestor) TryRefresh(ctx context.Context) bool {
	if ing.inFlight.Load() {
		return false
	}
	go func() {
		if err := ing.RunCycle(ctx); err != nil {
			ing.logger.WithError(err).Error("Manual refresh cycle failed")
		}
	}()
	return true
}

// Countdown returns the remaining ticks until the next automatic refresh.
func (ing *Ingestor) Countdown() int {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.countdown
}

// State returns the current scheduler state.
func (ing *Ingestor) State() string {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.state
}

// RunCycle executes one complete refresh cycle synchronously. Concurrent
// calls are coalesced: the loser returns immediately without fetching. The
// countdown resets on completion whether the cycle succeeded or failed; a
// failure records an error on the store and keeps the previous dataset.
func (ing *Ingestor) RunCycle(ctx context.Context) error {
	if !ing.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	ing.setState(StateFetching)

	nodes, source, err := ing.fetch(ctx)

	ing.mu.Lock()
	ing.state = StateCooldown
	ing.countdown = ing.countdownWindow
	ing.mu.Unlock()
	ing.inFlight.Store(false)

	if err != nil {
		metrics.RefreshCycleTotal.WithLabelValues(source, "error").Inc()
		ing.store.SetError(err)
		return err
	}

	ing.enrich(nodes)
	ing.store.ReplaceDataset(nodes)
	metrics.RefreshCycleTotal.WithLabelValues(source, "success").Inc()
	metrics.PNodesTracked.Set(float64(len(nodes)))

	ing.logger.WithFields(logrus.Fields{
		"count":  len(nodes),
		"source": source,
	}).Info("pNodes updated")
	return nil
}

// fetch pulls one batch of records from the configured feed and runs it
// through dedup and transform. Returns the feed actually used.
func (ing *Ingestor) fetch(ctx context.Context) ([]models.PNode, string, error) {
	switch ing.sourceMode {
	case SourcePods:
		nodes, err := ing.fetchPods(ctx)
		return nodes, SourcePods, err
	case SourceAccounts:
		nodes, err := ing.fetchAccounts(ctx)
		return nodes, SourceAccounts, err
	default:
		nodes, err := ing.fetchPods(ctx)
		if err == nil {
			return nodes, SourcePods, nil
		}
		ing.logger.WithError(err).Warn("Pod feed unavailable, falling back to account decode")
		nodes, fallbackErr := ing.fetchAccounts(ctx)
		if fallbackErr != nil {
			return nil, SourceAccounts, fmt.Errorf("pod feed: %w; account feed: %v", err, fallbackErr)
		}
		return nodes, SourceAccounts, nil
	}
}

func (ing *Ingestor) fetchPods(ctx context.Context) ([]models.PNode, error) {
	resp, err := ing.client.GetPodsWithStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pods: %w", err)
	}

	now := time.Now()
	pods := transform.Dedup(resp.Pods)
	nodes := make([]models.PNode, 0, len(pods))
	for _, pod := range pods {
		nodes = append(nodes, ing.transformer.FromPod(pod, now))
	}
	return nodes, nil
}

func (ing *Ingestor) fetchAccounts(ctx context.Context) ([]models.PNode, error) {
	accounts, err := ing.client.GetProgramAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch program accounts: %w", err)
	}

	decoded := make([]decode.RawNodeRecord, 0, len(accounts))
	for _, account := range accounts {
		raw, err := ing.decoder.Decode(account)
		if err != nil {
			metrics.DecodeTotal.WithLabelValues("error").Inc()
			ing.logger.WithError(err).WithField("pubkey", account.Pubkey).Warn("Failed to decode account, dropping record")
			continue
		}
		metrics.DecodeTotal.WithLabelValues("success").Inc()
		decoded = append(decoded, raw)
	}

	now := time.Now()
	records := transform.Dedup(decoded)
	nodes := make([]models.PNode, 0, len(records))
	for _, raw := range records {
		nodes = append(nodes, ing.transformer.FromDecoded(raw, now))
	}
	return nodes, nil
}

func (ing *Ingestor) enrich(nodes []models.PNode) {
	if ing.geo == nil {
		return
	}
	for i := range nodes {
		if err := ing.geo.EnrichPNode(&nodes[i]); err != nil {
			metrics.GeolocationEnrichTotal.WithLabelValues("error").Inc()
			ing.logger.WithError(err).WithField("identity", nodes[i].Identity).Debug("Geolocation enrichment failed")
			continue
		}
		metrics.GeolocationEnrichTotal.WithLabelValues("success").Inc()
	}
}

func (ing *Ingestor) setState(state string) {
	ing.mu.Lock()
	ing.state = state
	ing.mu.Unlock()
}
