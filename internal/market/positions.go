package market

import (
	"context"
	"math"
	"sort"
	"sync"

	"bridge-core/internal/ledger/l2"
	"bridge-core/pkg/db"
)

const shareEpsilon = 1e-9

// Positions keeps an in-memory view of market positions per address while
// persisting each change to the database.
type Positions struct {
	mu     sync.RWMutex
	byAddr map[string]map[string]db.Position
	q      *db.AddressQueries
}

func NewPositions(database *db.Database) *Positions {
	p := &Positions{byAddr: make(map[string]map[string]db.Position)}
	if database != nil {
		p.q = database.Queries()
	}
	return p
}

// Load seeds the view for address from the database.
func (p *Positions) Load(ctx context.Context, address string) error {
	if p.q == nil {
		return nil
	}
	rows, err := p.q.GetPositionsByAddress(ctx, address)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m := make(map[string]db.Position, len(rows))
	for _, r := range rows {
		m[r.MarketID] = r
	}
	p.byAddr[address] = m
	return nil
}

// Get returns the position of address in a market.
func (p *Positions) Get(address, marketID string) (db.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.byAddr[address][marketID]
	if !ok {
		return db.Position{}, false
	}
	return clonePosition(pos), true
}

// List returns all positions of address ordered by market.
func (p *Positions) List(address string) []db.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]db.Position, 0, len(p.byAddr[address]))
	for _, pos := range p.byAddr[address] {
		out = append(out, clonePosition(pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// InSession counts positions of address opened under a credit session.
func (p *Positions) InSession(address, sessionID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, pos := range p.byAddr[address] {
		if sessionID != "" && pos.CreditSessionID == sessionID {
			n++
		}
	}
	return n
}

// RecordBuy adds shares of outcome bought for cost.
func (p *Positions) RecordBuy(ctx context.Context, address, marketID string, outcome, outcomes int, shares float64, cost int64, sessionID string) (db.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.positionLocked(address, marketID, outcomes)
	if outcome >= len(pos.Shares) {
		grown := make([]float64, outcome+1)
		copy(grown, pos.Shares)
		pos.Shares = grown
	}
	pos.Shares[outcome] += shares
	pos.CostBasis += cost
	if sessionID != "" {
		pos.CreditSessionID = sessionID
	}
	return pos, p.storeLocked(ctx, pos)
}

// RecordSell removes shares of outcome and returns the cost basis released,
// proportional to the shares sold across all outcomes.
func (p *Positions) RecordSell(ctx context.Context, address, marketID string, outcome int, shares float64) (int64, db.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.byAddr[address][marketID]
	if !ok || outcome >= len(pos.Shares) {
		return 0, db.Position{}, nil
	}
	pos = clonePosition(pos)
	total := 0.0
	for _, s := range pos.Shares {
		total += s
	}
	var released int64
	if total > 0 {
		released = int64(math.Round(float64(pos.CostBasis) * shares / total))
	}
	pos.Shares[outcome] -= shares
	if pos.Shares[outcome] < shareEpsilon {
		pos.Shares[outcome] = 0
	}
	pos.CostBasis -= released
	if pos.CostBasis < 0 {
		pos.CostBasis = 0
	}
	return released, pos, p.storeLocked(ctx, pos)
}

// Replace sets the positions of address to the ledger's view and reports how
// many markets differed. Local credit session tags are kept.
func (p *Positions) Replace(ctx context.Context, address string, remote []l2.Position) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	local := p.byAddr[address]
	seen := make(map[string]bool, len(remote))
	drift := 0
	var firstErr error
	for _, r := range remote {
		seen[r.MarketID] = true
		prev, had := local[r.MarketID]
		next := db.Position{
			Address:         address,
			MarketID:        r.MarketID,
			Shares:          append([]float64(nil), r.Shares...),
			CostBasis:       r.CostBasis,
			CreditSessionID: prev.CreditSessionID,
		}
		if had && samePosition(prev, next) {
			continue
		}
		drift++
		if err := p.storeLocked(ctx, next); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for marketID, prev := range p.byAddr[address] {
		if seen[marketID] {
			continue
		}
		drift++
		prev.Shares = make([]float64, len(prev.Shares))
		prev.CostBasis = 0
		if err := p.storeLocked(ctx, prev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return drift, firstErr
}

// DropSession forgets positions liquidated by a credit settlement.
func (p *Positions) DropSession(ctx context.Context, address, sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pos := range p.byAddr[address] {
		if sessionID == "" || pos.CreditSessionID != sessionID {
			continue
		}
		pos.Shares = make([]float64, len(pos.Shares))
		pos.CostBasis = 0
		_ = p.storeLocked(ctx, pos)
		n++
	}
	return n
}

func (p *Positions) positionLocked(address, marketID string, outcomes int) db.Position {
	if pos, ok := p.byAddr[address][marketID]; ok {
		return clonePosition(pos)
	}
	return db.Position{Address: address, MarketID: marketID, Shares: make([]float64, outcomes)}
}

// storeLocked persists pos, deleting it once nothing is held.
func (p *Positions) storeLocked(ctx context.Context, pos db.Position) error {
	m, ok := p.byAddr[pos.Address]
	if !ok {
		m = make(map[string]db.Position)
		p.byAddr[pos.Address] = m
	}
	if isEmpty(pos) {
		delete(m, pos.MarketID)
		if p.q != nil {
			return p.q.DeletePosition(ctx, pos.Address, pos.MarketID)
		}
		return nil
	}
	m[pos.MarketID] = pos
	if p.q != nil {
		return p.q.UpsertPosition(ctx, pos)
	}
	return nil
}

func isEmpty(pos db.Position) bool {
	if pos.CostBasis != 0 {
		return false
	}
	for _, s := range pos.Shares {
		if s > shareEpsilon {
			return false
		}
	}
	return true
}

func samePosition(a, b db.Position) bool {
	if a.CostBasis != b.CostBasis || len(a.Shares) != len(b.Shares) {
		return false
	}
	for i := range a.Shares {
		if math.Abs(a.Shares[i]-b.Shares[i]) > shareEpsilon {
			return false
		}
	}
	return true
}

func clonePosition(p db.Position) db.Position {
	p.Shares = append([]float64(nil), p.Shares...)
	return p
}
