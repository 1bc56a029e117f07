package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/novabridge/novabridge-backend/internal/alerts"
	"github.com/novabridge/novabridge-backend/internal/chain"
	"github.com/novabridge/novabridge-backend/internal/metrics"
	"github.com/novabridge/novabridge-backend/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNotRegistered = errors.New("user not registered for reconciliation")

// Discrepancy records a custody-vs-ledger imbalance for one user.
type Discrepancy struct {
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
	Severity   alerts.Severity `json:"severity"`
}

// BalanceSnapshot is the live per-user reconciliation state, overwritten each
// cycle.
type BalanceSnapshot struct {
	UserIdentity    string          `json:"userIdentity"`
	CustodyAddress  string          `json:"custodyAddress"`
	ExternalBalance decimal.Decimal `json:"externalBalance"`
	InternalBalance decimal.Decimal `json:"internalBalance"`
	TotalReserved   decimal.Decimal `json:"totalReserved"`
	BalanceRatio    decimal.Decimal `json:"balanceRatio"`
	LastUpdated     time.Time       `json:"lastUpdated"`
	Discrepancy     *Discrepancy    `json:"discrepancy,omitempty"`
}

// Stats summarizes the registered population.
type Stats struct {
	RegisteredUsers    int             `json:"registeredUsers"`
	UsersInDiscrepancy int             `json:"usersInDiscrepancy"`
	TotalExternal      decimal.Decimal `json:"totalExternal"`
	TotalInternal      decimal.Decimal `json:"totalInternal"`
	LastCycleAt        time.Time       `json:"lastCycleAt"`
	LastCycleDuration  time.Duration   `json:"lastCycleDuration"`
	CyclesRun          int64           `json:"cyclesRun"`
}

// BalanceReader is the slice of the ledger client used for reconciliation.
type BalanceReader interface {
	BalanceOf(ctx context.Context, identity string) (decimal.Decimal, error)
}

// AddressSource resolves a user's custody address, deriving it if needed.
type AddressSource interface {
	CustodyAddressFor(ctx context.Context, identity string) (string, error)
}

// Config holds the reconciliation thresholds. Percentage bands escalate the
// severity once the absolute threshold is crossed.
type Config struct {
	Interval          time.Duration
	Concurrency       int
	AbsoluteThreshold decimal.Decimal
	MediumPercent     decimal.Decimal
	HighPercent       decimal.Decimal
	CriticalPercent   decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.AbsoluteThreshold.IsZero() {
		c.AbsoluteThreshold = decimal.RequireFromString("0.01")
	}
	if c.MediumPercent.IsZero() {
		c.MediumPercent = decimal.RequireFromString("0.01")
	}
	if c.HighPercent.IsZero() {
		c.HighPercent = decimal.RequireFromString("0.05")
	}
	if c.CriticalPercent.IsZero() {
		c.CriticalPercent = decimal.RequireFromString("0.10")
	}
}

// Service keeps one live snapshot per registered user and re-reconciles them
// on a fixed interval. Discrepancies only alert; they never block minting or
// redemption.
type Service struct {
	cfg Config

	mu        sync.RWMutex
	snapshots map[string]*BalanceSnapshot
	lastCycle time.Time
	cycleDur  time.Duration
	cycles    int64

	chain     chain.Client
	ledger    BalanceReader
	addresses AddressSource
	cache     *store.Cache
	alerter   alerts.Sink
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
}

func NewService(cfg Config, ch chain.Client, l BalanceReader, addrs AddressSource, cache *store.Cache, alerter alerts.Sink, logger *zap.SugaredLogger, m *metrics.Metrics) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:       cfg,
		snapshots: make(map[string]*BalanceSnapshot),
		chain:     ch,
		ledger:    l,
		addresses: addrs,
		cache:     cache,
		alerter:   alerter,
		logger:    logger,
		metrics:   m,
	}
}

// RegisterUser adds a user to the reconciliation set and snapshots them
// immediately.
func (s *Service) RegisterUser(ctx context.Context, identity string) (*BalanceSnapshot, error) {
	if identity == "" {
		return nil, fmt.Errorf("empty identity")
	}

	address, err := s.addresses.CustodyAddressFor(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve custody address: %w", err)
	}

	s.mu.Lock()
	if _, ok := s.snapshots[identity]; !ok {
		s.snapshots[identity] = &BalanceSnapshot{
			UserIdentity:   identity,
			CustodyAddress: address,
		}
	}
	s.mu.Unlock()

	snap, err := s.syncUser(ctx, identity, address)
	if err != nil {
		return nil, err
	}

	s.logger.Infow("User registered for reconciliation",
		"identity", identity,
		"custodyAddress", address,
	)
	return snap, nil
}

// UnregisterUser drops a user from the reconciliation set.
func (s *Service) UnregisterUser(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[identity]; !ok {
		return ErrNotRegistered
	}
	delete(s.snapshots, identity)
	return nil
}

// Snapshot returns a copy of the user's current snapshot.
func (s *Service) Snapshot(identity string) (BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[identity]
	if !ok {
		return BalanceSnapshot{}, ErrNotRegistered
	}
	return *snap, nil
}

// ForceSyncUser re-snapshots one user outside the regular cycle.
func (s *Service) ForceSyncUser(ctx context.Context, identity string) (*BalanceSnapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[identity]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotRegistered
	}
	return s.syncUser(ctx, identity, snap.CustodyAddress)
}

// ForceSyncAll runs a full cycle immediately.
func (s *Service) ForceSyncAll(ctx context.Context) {
	s.runCycle(ctx)
}

// Start runs the periodic reconciliation loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Infow("Reconciliation service starting",
		"interval", s.cfg.Interval,
		"concurrency", s.cfg.Concurrency,
		"absoluteThreshold", s.cfg.AbsoluteThreshold.String(),
	)

	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		defer s.logger.Infow("Reconciliation service stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runCycle(ctx)
			}
		}
	}()
}

func (s *Service) runCycle(ctx context.Context) {
	start := time.Now()

	s.mu.RLock()
	type target struct{ identity, address string }
	targets := make([]target, 0, len(s.snapshots))
	for identity, snap := range s.snapshots {
		targets = append(targets, target{identity, snap.CustodyAddress})
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if _, err := s.syncUser(gctx, t.identity, t.address); err != nil {
				s.logger.Warnw("Reconciliation sync failed",
					"identity", t.identity,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	dur := time.Since(start)
	s.mu.Lock()
	s.lastCycle = start
	s.cycleDur = dur
	s.cycles++
	s.mu.Unlock()

	s.metrics.RecordReconcileCycle(ctx)
	s.logger.Infow("Reconciliation cycle complete",
		"users", len(targets),
		"duration", dur,
	)
}

// syncUser fetches both balances concurrently, classifies any discrepancy and
// overwrites the user's snapshot.
func (s *Service) syncUser(ctx context.Context, identity, address string) (*BalanceSnapshot, error) {
	var (
		external decimal.Decimal
		internal decimal.Decimal
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, err := s.chain.AccountInfo(gctx, address)
		if err != nil {
			return fmt.Errorf("external balance: %w", err)
		}
		if info.Exists {
			external = info.Balance
		}
		return nil
	})
	g.Go(func() error {
		bal, err := s.ledger.BalanceOf(gctx, identity)
		if err != nil {
			return fmt.Errorf("internal balance: %w", err)
		}
		internal = bal
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &BalanceSnapshot{
		UserIdentity:    identity,
		CustodyAddress:  address,
		ExternalBalance: external,
		InternalBalance: internal,
		TotalReserved:   external,
		LastUpdated:     time.Now(),
	}
	if !internal.IsZero() {
		snap.BalanceRatio = external.Div(internal)
	} else {
		snap.BalanceRatio = decimal.NewFromInt(1)
	}
	snap.Discrepancy = s.classify(external, internal)

	s.mu.Lock()
	s.snapshots[identity] = snap
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SetBalanceSnapshot(ctx, identity, snap, s.cfg.Interval*2); err != nil {
			s.logger.Debugw("Snapshot cache write failed", "identity", identity, "error", err)
		}
	}

	if d := snap.Discrepancy; d != nil {
		s.metrics.RecordDiscrepancy(ctx, string(d.Severity))
		if d.Severity == alerts.SeverityHigh || d.Severity == alerts.SeverityCritical {
			s.alerter.Trigger(ctx, alerts.New(
				"balance_discrepancy",
				d.Severity,
				"Custody balance does not match internal ledger balance",
				map[string]any{
					"identity":        identity,
					"custodyAddress":  address,
					"externalBalance": external.String(),
					"internalBalance": internal.String(),
					"delta":           d.Amount.String(),
					"percentage":      d.Percentage.String(),
				},
				true,
			))
		}
	}

	return snap, nil
}

// classify returns nil when the delta stays within the absolute threshold.
// Past it, the severity escalates through the configured percentage bands,
// with percentage = delta/external.
func (s *Service) classify(external, internal decimal.Decimal) *Discrepancy {
	delta := external.Sub(internal).Abs()
	if delta.LessThanOrEqual(s.cfg.AbsoluteThreshold) {
		return nil
	}

	var pct decimal.Decimal
	if !external.IsZero() {
		pct = delta.Div(external)
	} else {
		pct = decimal.NewFromInt(1)
	}

	severity := alerts.SeverityLow
	switch {
	case pct.GreaterThanOrEqual(s.cfg.CriticalPercent):
		severity = alerts.SeverityCritical
	case pct.GreaterThanOrEqual(s.cfg.HighPercent):
		severity = alerts.SeverityHigh
	case pct.GreaterThanOrEqual(s.cfg.MediumPercent):
		severity = alerts.SeverityMedium
	}

	return &Discrepancy{
		Amount:     delta,
		Percentage: pct,
		Severity:   severity,
	}
}

// Stats aggregates across all registered users.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		RegisteredUsers:   len(s.snapshots),
		TotalExternal:     decimal.Zero,
		TotalInternal:     decimal.Zero,
		LastCycleAt:       s.lastCycle,
		LastCycleDuration: s.cycleDur,
		CyclesRun:         s.cycles,
	}
	for _, snap := range s.snapshots {
		stats.TotalExternal = stats.TotalExternal.Add(snap.ExternalBalance)
		stats.TotalInternal = stats.TotalInternal.Add(snap.InternalBalance)
		if snap.Discrepancy != nil {
			stats.UsersInDiscrepancy++
		}
	}
	return stats
}
