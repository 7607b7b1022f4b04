package events

import "time"

// Kind enumerates the topics published inside the bridge core.
type Kind string

const (
	KindBalanceUpdated        Kind = "balance.updated"
	KindLockCreated           Kind = "lock.created"
	KindDepositClaimed        Kind = "deposit.claimed"
	KindLockReleased          Kind = "lock.released"
	KindWithdrawalRequested   Kind = "withdrawal.requested"
	KindWithdrawalCompleted   Kind = "withdrawal.completed"
	KindWithdrawalStalled     Kind = "withdrawal.stalled"
	KindSessionOpened         Kind = "credit.opened"
	KindSessionSettled        Kind = "credit.settled"
	KindCreditSessionExpiring Kind = "credit.expiring"
	KindCreditLimitBreached   Kind = "credit.limit_breached"
	KindBetPlaced             Kind = "market.bet_placed"
	KindSharesSold            Kind = "market.shares_sold"
	KindMarketUpdated         Kind = "market.updated"
	KindCustodyLocked         Kind = "custody.locked"
	KindSignedOut             Kind = "custody.signed_out"
	KindServiceDegraded       Kind = "service.degraded"
)

// Event is the closed set of payloads carried by the Bus.
// Only types in this package implement it.
type Event interface {
	Kind() Kind
	event()
}

// Ledger names which ledger is authoritative for a number.
type Ledger string

const (
	LedgerL1 Ledger = "L1"
	LedgerL2 Ledger = "L2"
)

type BalanceUpdated struct {
	Address   string `json:"address"`
	Ledger    Ledger `json:"ledger"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

type LockCreated struct {
	LockID    string    `json:"lock_id"`
	Owner     string    `json:"owner"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

type DepositClaimed struct {
	LockID    string `json:"lock_id"`
	L2Address string `json:"l2_address"`
	Amount    int64  `json:"amount"`
}

type LockReleased struct {
	LockID string `json:"lock_id"`
	Owner  string `json:"owner"`
	Amount int64  `json:"amount"`
}

type WithdrawalRequested struct {
	Nonce       string `json:"nonce"`
	FromAddress string `json:"from_address"`
	Amount      int64  `json:"amount"`
}

type WithdrawalCompleted struct {
	Nonce    string `json:"nonce"`
	Amount   int64  `json:"amount"`
	L1TxHash string `json:"l1_tx_hash,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// WithdrawalStalled is reported when L1 settlement has not completed in time.
// It needs manual reconciliation; nothing is refunded automatically.
type WithdrawalStalled struct {
	Nonce       string        `json:"nonce"`
	FromAddress string        `json:"from_address"`
	Amount      int64         `json:"amount"`
	Age         time.Duration `json:"age"`
}

type SessionOpened struct {
	SessionID   string    `json:"session_id"`
	Address     string    `json:"address"`
	CreditLimit int64     `json:"credit_limit"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type SessionSettled struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	NetPnL    int64  `json:"net_pnl"`
	LocalPnL  int64  `json:"local_pnl"`
	Forced    bool   `json:"forced,omitempty"`
}

type CreditSessionExpiring struct {
	SessionID     string    `json:"session_id"`
	Address       string    `json:"address"`
	ExpiresAt     time.Time `json:"expires_at"`
	OpenPositions int       `json:"open_positions"`
}

// CreditLimitBreached is reported when L2 confirmed a bet cost that pushes
// a session past its credit limit. The ledger figures are kept.
type CreditLimitBreached struct {
	SessionID    string `json:"session_id"`
	Address      string `json:"address"`
	CreditLimit  int64  `json:"credit_limit"`
	UsedCredit   int64  `json:"used_credit"`
	LockedInBets int64  `json:"locked_in_bets"`
}

type BetPlaced struct {
	BetID    string  `json:"bet_id"`
	Address  string  `json:"address"`
	MarketID string  `json:"market_id"`
	Outcome  int     `json:"outcome"`
	Cost     int64   `json:"cost"`
	Shares   float64 `json:"shares"`
	AvgPrice float64 `json:"avg_price"`
}

type SharesSold struct {
	SellID   string  `json:"sell_id"`
	Address  string  `json:"address"`
	MarketID string  `json:"market_id"`
	Outcome  int     `json:"outcome"`
	Shares   float64 `json:"shares"`
	Proceeds int64   `json:"proceeds"`
}

type MarketUpdated struct {
	MarketID string    `json:"market_id"`
	Status   string    `json:"status"`
	Prices   []float64 `json:"prices"`
	Reserves []float64 `json:"reserves,omitempty"`
}

type CustodyLocked struct {
	Reason string `json:"reason"`
}

type SignedOut struct {
	Reason string `json:"reason"`
}

type ServiceDegraded struct {
	Service  string `json:"service"`
	Degraded bool   `json:"degraded"`
	Detail   string `json:"detail,omitempty"`
}

func (BalanceUpdated) Kind() Kind        { return KindBalanceUpdated }
func (LockCreated) Kind() Kind           { return KindLockCreated }
func (DepositClaimed) Kind() Kind        { return KindDepositClaimed }
func (LockReleased) Kind() Kind          { return KindLockReleased }
func (WithdrawalRequested) Kind() Kind   { return KindWithdrawalRequested }
func (WithdrawalCompleted) Kind() Kind   { return KindWithdrawalCompleted }
func (WithdrawalStalled) Kind() Kind     { return KindWithdrawalStalled }
func (SessionOpened) Kind() Kind         { return KindSessionOpened }
func (SessionSettled) Kind() Kind        { return KindSessionSettled }
func (CreditSessionExpiring) Kind() Kind { return KindCreditSessionExpiring }
func (CreditLimitBreached) Kind() Kind   { return KindCreditLimitBreached }
func (BetPlaced) Kind() Kind             { return KindBetPlaced }
func (SharesSold) Kind() Kind            { return KindSharesSold }
func (MarketUpdated) Kind() Kind         { return KindMarketUpdated }
func (CustodyLocked) Kind() Kind         { return KindCustodyLocked }
func (SignedOut) Kind() Kind             { return KindSignedOut }
func (ServiceDegraded) Kind() Kind       { return KindServiceDegraded }

func (BalanceUpdated) event()        {}
func (LockCreated) event()           {}
func (DepositClaimed) event()        {}
func (LockReleased) event()          {}
func (WithdrawalRequested) event()   {}
func (WithdrawalCompleted) event()   {}
func (WithdrawalStalled) event()     {}
func (SessionOpened) event()         {}
func (SessionSettled) event()        {}
func (CreditSessionExpiring) event() {}
func (CreditLimitBreached) event()   {}
func (BetPlaced) event()             {}
func (SharesSold) event()            {}
func (MarketUpdated) event()         {}
func (CustodyLocked) event()         {}
func (SignedOut) event()             {}
func (ServiceDegraded) event()       {}
