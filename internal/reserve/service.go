package reserve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/novabridge/novabridge-backend/internal/alerts"
	"github.com/novabridge/novabridge-backend/internal/chain"
	"github.com/novabridge/novabridge-backend/internal/ledger"
	"github.com/novabridge/novabridge-backend/internal/metrics"
	"github.com/novabridge/novabridge-backend/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Status is the system-wide backing view. It is computed on demand and held
// only as a cached value with an explicit staleness bound.
type Status struct {
	LockedExternalReserves decimal.Decimal `json:"lockedExternalReserves"`
	TotalInternalSupply    decimal.Decimal `json:"totalInternalSupply"`
	ReserveRatio           decimal.Decimal `json:"reserveRatio"`
	IsHealthy              bool            `json:"isHealthy"`
	LastVerification       time.Time       `json:"lastVerification"`
	CustodyAddresses       []string        `json:"custodyAddresses"`
	EmergencyPaused        bool            `json:"emergencyPaused"`
}

// AddressLister feeds the chain-side reserve scan.
type AddressLister interface {
	AllControlledAddresses() []string
}

// SupplyReader is the slice of the ledger client reserve verification needs.
type SupplyReader interface {
	TotalSupply(ctx context.Context) (decimal.Decimal, error)
	ReserveSnapshot(ctx context.Context) (ledger.ReserveSnapshot, error)
}

// Service computes the reserve ratio and carries the operator's emergency
// pause flag. It satisfies the minting engine's pause check.
type Service struct {
	staleness time.Duration

	mu            sync.RWMutex
	paused        bool
	lastUnhealthy bool
	group         singleflight.Group

	chain     chain.Client
	ledger    SupplyReader
	addresses AddressLister
	cache     *store.Cache
	alerter   alerts.Sink
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
}

func NewService(staleness time.Duration, ch chain.Client, l SupplyReader, addrs AddressLister, cache *store.Cache, alerter alerts.Sink, logger *zap.SugaredLogger, m *metrics.Metrics) *Service {
	if staleness <= 0 {
		staleness = time.Minute
	}
	return &Service{
		staleness: staleness,
		chain:     ch,
		ledger:    l,
		addresses: addrs,
		cache:     cache,
		alerter:   alerter,
		logger:    logger,
		metrics:   m,
	}
}

// GetStatus recomputes the backing view synchronously. Concurrent callers
// share one computation. The chain-side scan sums every threshold-controlled
// custody address; if the scan fails the ledger's own reported aggregate is
// used instead.
func (s *Service) GetStatus(ctx context.Context) (Status, error) {
	v, err, _ := s.group.Do("reserve-status", func() (any, error) {
		return s.computeStatus(ctx)
	})
	if err != nil {
		return Status{}, err
	}
	return v.(Status), nil
}

func (s *Service) computeStatus(ctx context.Context) (Status, error) {
	addresses := s.addresses.AllControlledAddresses()

	var (
		locked decimal.Decimal
		supply decimal.Decimal
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sum, err := s.sumChainBalances(gctx, addresses)
		if err != nil {
			snap, snapErr := s.ledger.ReserveSnapshot(gctx)
			if snapErr != nil {
				return fmt.Errorf("chain scan failed (%v) and ledger aggregate failed: %w", err, snapErr)
			}
			s.logger.Warnw("Chain reserve scan failed; using ledger aggregate",
				"error", err,
				"lockedReserves", snap.LockedReserves.String(),
			)
			sum = snap.LockedReserves
		}
		locked = sum
		return nil
	})
	g.Go(func() error {
		total, err := s.ledger.TotalSupply(gctx)
		if err != nil {
			return fmt.Errorf("total supply: %w", err)
		}
		supply = total
		return nil
	})
	if err := g.Wait(); err != nil {
		return Status{}, err
	}

	// Zero supply is vacuously fully backed.
	ratio := decimal.NewFromInt(1)
	if !supply.IsZero() {
		ratio = locked.Div(supply)
	}

	status := Status{
		LockedExternalReserves: locked,
		TotalInternalSupply:    supply,
		ReserveRatio:           ratio,
		IsHealthy:              ratio.GreaterThanOrEqual(decimal.NewFromInt(1)),
		LastVerification:       time.Now(),
		CustodyAddresses:       addresses,
		EmergencyPaused:        s.EmergencyPaused(),
	}

	f, _ := ratio.Float64()
	s.metrics.RecordReserveRatio(ctx, f)

	if s.cache != nil {
		if err := s.cache.SetReserveStatus(ctx, status, s.staleness); err != nil {
			s.logger.Debugw("Reserve status cache write failed", "error", err)
		}
	}

	s.noteHealth(ctx, status)
	return status, nil
}

// GetStatusCached serves dashboards from the store, recomputing only when the
// cached value has aged out.
func (s *Service) GetStatusCached(ctx context.Context) (Status, error) {
	if s.cache != nil {
		var cached Status
		if err := s.cache.GetReserveStatus(ctx, &cached); err == nil {
			if time.Since(cached.LastVerification) < s.staleness {
				cached.EmergencyPaused = s.EmergencyPaused()
				return cached, nil
			}
		}
	}
	return s.GetStatus(ctx)
}

// SetEmergencyPaused flips the operator pause flag. While paused the minting
// engine starts no new processing.
func (s *Service) SetEmergencyPaused(paused bool) {
	s.mu.Lock()
	changed := s.paused != paused
	s.paused = paused
	s.mu.Unlock()

	if changed {
		s.logger.Warnw("Emergency pause flag changed", "paused", paused)
	}
}

// EmergencyPaused implements the minting engine's pause check.
func (s *Service) EmergencyPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Service) sumChainBalances(ctx context.Context, addresses []string) (decimal.Decimal, error) {
	total := decimal.Zero
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, addr := range addresses {
		addr := addr
		g.Go(func() error {
			info, err := s.chain.AccountInfo(gctx, addr)
			if err != nil {
				return fmt.Errorf("account %s: %w", addr, err)
			}
			if !info.Exists {
				return nil
			}
			mu.Lock()
			total = total.Add(info.Balance)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// noteHealth alerts once per healthy-to-unhealthy transition.
func (s *Service) noteHealth(ctx context.Context, status Status) {
	s.mu.Lock()
	wasUnhealthy := s.lastUnhealthy
	s.lastUnhealthy = !status.IsHealthy
	s.mu.Unlock()

	if status.IsHealthy || wasUnhealthy {
		return
	}

	s.alerter.Trigger(ctx, alerts.New(
		"reserve_unhealthy",
		alerts.SeverityCritical,
		"Reserve ratio fell below full backing",
		map[string]any{
			"lockedExternalReserves": status.LockedExternalReserves.String(),
			"totalInternalSupply":    status.TotalInternalSupply.String(),
			"reserveRatio":           status.ReserveRatio.String(),
			"custodyAddresses":       len(status.CustodyAddresses),
		},
		true,
	))
	s.logger.Errorw("Reserve ratio unhealthy",
		"ratio", status.ReserveRatio.String(),
		"locked", status.LockedExternalReserves.String(),
		"supply", status.TotalInternalSupply.String(),
	)
}
