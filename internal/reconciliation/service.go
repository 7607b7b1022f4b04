// Package reconciliation periodically re-reads both ledgers and replaces the
// local views with what the ledgers say.
package reconciliation

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"bridge-core/internal/balance"
	"bridge-core/internal/custody"
	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/market"
	"bridge-core/internal/monitor"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Keys exposes the signer of the unlocked account.
type Keys interface {
	CurrentSigner() (ledger.Signer, error)
}

// Bridge is the part of the bridge coordinator swept on each pass.
type Bridge interface {
	ReleaseExpired(ctx context.Context) (int, error)
	SweepWithdrawals(ctx context.Context) error
}

// Credit is the part of the credit manager synced on each pass.
type Credit interface {
	Sync(ctx context.Context, address string) error
}

type Deps struct {
	L1        *l1.Client
	L2        *l2.Client
	Keys      Keys
	Balances  *balance.Registry
	Positions *market.Positions
	Bridge    Bridge
	Credit    Credit
	Metrics   *monitor.Metrics
}

// Service handles periodic reconciliation.
type Service struct {
	d        Deps
	interval time.Duration
	mu       sync.Mutex
	autoSync bool
	last     *Report
}

// Report contains the outcome of one pass.
type Report struct {
	Timestamp     time.Time     `json:"timestamp"`
	Skipped       bool          `json:"skipped,omitempty"`
	BalanceDiffs  []BalanceDiff `json:"balance_diffs,omitempty"`
	PositionDrift int           `json:"position_drift"`
	ReleasedLocks int           `json:"released_locks"`
	Errors        []string      `json:"errors,omitempty"`
	HasDiffs      bool          `json:"has_diffs"`
}

// BalanceDiff is a confirmed snapshot that no longer matched its ledger.
type BalanceDiff struct {
	Address string           `json:"address"`
	Ledger  events.Ledger    `json:"ledger"`
	Local   balance.Snapshot `json:"local"`
	Remote  balance.Snapshot `json:"remote"`
	Synced  bool             `json:"synced"`
}

func NewService(d Deps, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{d: d, interval: interval, autoSync: true}
}

// SetAutoSync controls whether differences are applied or only reported.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	log.Info().Bool("auto_sync", enabled).Msg("reconciliation auto-sync changed")
}

// LastReport returns the most recent report, or nil before the first pass.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start begins periodic reconciliation.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					log.Error().Err(err).Msg("reconciliation error")
					continue
				}
				s.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info().Dur("interval", s.interval).Bool("auto_sync", s.autoSync).Msg("reconciliation service started")
}

type snapshot struct {
	l1        balance.Snapshot
	l2        balance.Snapshot
	positions []l2.Position
}

// Reconcile runs one pass for the unlocked account. A locked custody session
// skips the pass.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now()}
	sg, err := s.d.Keys.CurrentSigner()
	if errors.Is(err, custody.ErrVaultLocked) {
		report.Skipped = true
		s.last = report
		return report, nil
	}
	if err != nil {
		return nil, err
	}
	l1Addr, l2Addr := sg.L1Address(), sg.L2Address()

	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := s.d.L1.Balance(gctx, l1Addr)
		snap.l1 = balance.Snapshot{Available: b.Available, Locked: b.Locked}
		return err
	})
	g.Go(func() error {
		b, err := s.d.L2.Balance(gctx, l2Addr)
		snap.l2 = balance.Snapshot{Available: b.Available, Locked: b.Locked}
		return err
	})
	g.Go(func() error {
		p, err := s.d.L2.Positions(gctx, l2Addr)
		snap.positions = p
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.compareBalance(report, l1Addr, events.LedgerL1, snap.l1)
	s.compareBalance(report, l2Addr, events.LedgerL2, snap.l2)

	if s.d.Positions != nil && s.autoSync {
		drift, err := s.d.Positions.Replace(ctx, l2Addr, snap.positions)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		report.PositionDrift = drift
		if drift > 0 {
			report.HasDiffs = true
			s.d.Metrics.IncDrift("positions")
		}
	}

	if s.d.Bridge != nil {
		n, err := s.d.Bridge.ReleaseExpired(ctx)
		report.ReleasedLocks = n
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		if err := s.d.Bridge.SweepWithdrawals(ctx); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}
	if s.d.Credit != nil {
		if err := s.d.Credit.Sync(ctx, l2Addr); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	s.last = report
	return report, nil
}

func (s *Service) compareBalance(report *Report, address string, led events.Ledger, remote balance.Snapshot) {
	view, err := s.d.Balances.GetOrCreate(address, led)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	v := view.View()
	local := v.Confirmed
	if !v.SyncedAt.IsZero() && local != remote {
		diff := BalanceDiff{Address: address, Ledger: led, Local: local, Remote: remote, Synced: s.autoSync}
		report.BalanceDiffs = append(report.BalanceDiffs, diff)
		report.HasDiffs = true
		s.d.Metrics.IncDrift(string(led))
	}
	if s.autoSync {
		view.Apply(remote)
	}
}

func (s *Service) handleReport(report *Report) {
	if report.Skipped {
		log.Debug().Msg("reconciliation skipped: custody locked")
		return
	}
	if !report.HasDiffs {
		log.Debug().Int("released_locks", report.ReleasedLocks).Msg("reconciliation ok")
	}
	for _, d := range report.BalanceDiffs {
		log.Warn().
			Str("address", d.Address).
			Str("ledger", string(d.Ledger)).
			Int64("local_available", d.Local.Available).
			Int64("remote_available", d.Remote.Available).
			Int64("drift", int64(math.Abs(float64(d.Remote.Total()-d.Local.Total())))).
			Bool("synced", d.Synced).
			Msg("balance drift")
	}
	if report.PositionDrift > 0 {
		log.Warn().Int("markets", report.PositionDrift).Msg("position drift synced from L2")
	}
	for _, e := range report.Errors {
		log.Warn().Str("error", e).Msg("reconciliation step failed")
	}
}
