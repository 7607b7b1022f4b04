package l2

import "time"

// Market statuses.
const (
	MarketPending  = "pending"
	MarketActive   = "active"
	MarketFrozen   = "frozen"
	MarketResolved = "resolved"
)

// Withdrawal statuses.
const (
	WithdrawalPending   = "pending_settlement"
	WithdrawalCompleted = "completed"
	WithdrawalFailed    = "failed"
)

// Credit session statuses.
const (
	CreditOpen    = "open"
	CreditSettled = "settled"
)

type Session struct {
	Token     string    `json:"session_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Balance struct {
	Address   string `json:"address"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

type Market struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Outcomes  []string  `json:"outcomes"`
	Reserves  []float64 `json:"reserves"`
	Prices    []float64 `json:"prices"`
	Liquidity float64   `json:"liquidity"`
	Status    string    `json:"status"`
}

type QuoteRequest struct {
	Outcome int   `json:"outcome"`
	Amount  int64 `json:"amount"`
}

type Quote struct {
	Shares      float64 `json:"shares"`
	AvgPrice    float64 `json:"avg_price"`
	Fee         int64   `json:"fee"`
	PriceImpact float64 `json:"price_impact"`
	Cost        int64   `json:"cost"`
}

type BetRequest struct {
	Outcome         int    `json:"outcome"`
	Amount          int64  `json:"amount"`
	MaxCost         int64  `json:"max_cost"`
	BetID           string `json:"bet_id"`
	CreditSessionID string `json:"credit_session_id,omitempty"`
}

type BetResult struct {
	BetID     string    `json:"bet_id"`
	Shares    float64   `json:"shares"`
	AvgPrice  float64   `json:"avg_price"`
	Cost      int64     `json:"cost"`
	NewPrices []float64 `json:"new_prices"`
	Balance   Balance   `json:"balance"`
}

type SellRequest struct {
	Outcome int     `json:"outcome"`
	Shares  float64 `json:"shares"`
	SellID  string  `json:"sell_id"`
}

type SellResult struct {
	SellID    string    `json:"sell_id"`
	Shares    float64   `json:"shares"`
	Proceeds  int64     `json:"proceeds"`
	NewPrices []float64 `json:"new_prices"`
	Balance   Balance   `json:"balance"`
}

type Position struct {
	MarketID  string    `json:"market_id"`
	Shares    []float64 `json:"shares"`
	CostBasis int64     `json:"cost_basis"`
}

type ClaimRequest struct {
	LockID    string `json:"lock_id"`
	Amount    int64  `json:"amount"`
	L1TxHash  string `json:"l1_tx_hash"`
	L2Address string `json:"l2_address"`
}

type Claim struct {
	LockID    string `json:"lock_id"`
	Amount    int64  `json:"amount"`
	L2Address string `json:"l2_address"`
	Status    string `json:"status"`
}

type WithdrawRequest struct {
	FromAddress string `json:"from_address"`
	Amount      int64  `json:"amount"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"`
}

type Withdrawal struct {
	Nonce       string    `json:"nonce"`
	FromAddress string    `json:"from_address"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	L1TxHash    string    `json:"l1_tx_hash,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type OpenCreditRequest struct {
	Address string `json:"address"`
	LockID  string `json:"lock_id"`
	Amount  int64  `json:"amount"`
}

type CreditSession struct {
	SessionID    string    `json:"session_id"`
	Address      string    `json:"address"`
	CreditLimit  int64     `json:"credit_limit"`
	UsedCredit   int64     `json:"used_credit"`
	LockedInBets int64     `json:"locked_in_bets"`
	RealizedPnL  int64     `json:"realized_pnl"`
	LockID       string    `json:"lock_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	Status       string    `json:"status"`
}

type Settlement struct {
	SessionID string `json:"session_id"`
	NetPnL    int64  `json:"net_pnl"`
	Status    string `json:"status"`
}

type authRequest struct {
	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
	DeviceID  string `json:"device_id,omitempty"`
}
