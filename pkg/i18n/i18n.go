package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	JournalOpenFailed  string

	// Custody
	VaultImported    string
	VaultMissing     string
	CustodyLocked    string
	CustodyActive    string
	CustodySignedOut string

	// Ledgers
	LedgerL1        string
	LedgerL2        string
	TradingDisabled string
	Pending         string

	// Bridge
	DepositClaimed       string
	DepositLocked        string
	LockReleased         string
	WithdrawalSubmitting string
	WithdrawalPending    string
	WithdrawalDone       string
	WithdrawalFailed     string
	WithdrawalStalled    string
	RecoveredDeposits    string

	// Credit
	CreditOpen     string
	CreditSettled  string
	CreditExpiring string

	// Services
	ReconStarted      string
	MarketFeedStarted string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	Starting:           "Starting bridge core...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",
	JournalOpenFailed:  "Failed to open bridge journal: %v",

	VaultImported:    "Vault imported for %s",
	VaultMissing:     "No vault found; run `bridge-core vault import` first",
	CustodyLocked:    "Locked",
	CustodyActive:    "Unlocked",
	CustodySignedOut: "Signed out",

	LedgerL1:        "Custody ledger (L1)",
	LedgerL2:        "Trading ledger (L2)",
	TradingDisabled: "A ledger is unreachable; trading is disabled until it recovers",
	Pending:         "Pending",

	DepositClaimed:       "Deposit claimed",
	DepositLocked:        "Locked on L1, waiting for L2 claim",
	LockReleased:         "Lock released",
	WithdrawalSubmitting: "Submitting to L2, outcome not confirmed yet",
	WithdrawalPending:    "Pending dealer settlement on L1",
	WithdrawalDone:       "Completed",
	WithdrawalFailed:     "Failed",
	WithdrawalStalled:    "Stalled, needs manual reconciliation",
	RecoveredDeposits:    "Resumed %d unfinished deposits",

	CreditOpen:     "Credit session open",
	CreditSettled:  "Credit session settled",
	CreditExpiring: "Credit session expires soon",

	ReconStarted:      "Reconciliation service started",
	MarketFeedStarted: "Market event stream started",
}

// Chinese messages
var messagesZH = Messages{
	Starting:           "正在啟動跨鏈橋核心...",
	ConfigLoaded:       "設定已載入 (埠號: %s)",
	UsingDBPath:        "資料庫路徑: %s",
	ServerListening:    "伺服器監聽於 :%s",
	ShuttingDown:       "正在優雅關閉...",
	ConfigLoadFailed:   "載入設定失敗: %v",
	DBInitFailed:       "初始化資料庫失敗: %v",
	DBMigrationsFailed: "套用資料庫遷移失敗: %v",
	APIServerError:     "API 伺服器錯誤: %v",
	JournalOpenFailed:  "開啟跨鏈日誌失敗: %v",

	VaultImported:    "已為 %s 匯入金庫",
	VaultMissing:     "找不到金庫，請先執行 `bridge-core vault import`",
	CustodyLocked:    "已鎖定",
	CustodyActive:    "已解鎖",
	CustodySignedOut: "已登出",

	LedgerL1:        "託管帳本 (L1)",
	LedgerL2:        "交易帳本 (L2)",
	TradingDisabled: "帳本無法連線，恢復前暫停交易",
	Pending:         "處理中",

	DepositClaimed:       "入金已領取",
	DepositLocked:        "已在 L1 鎖定，等待 L2 領取",
	LockReleased:         "鎖定已釋放",
	WithdrawalSubmitting: "送出中，尚未確認結果",
	WithdrawalPending:    "等待 L1 結算",
	WithdrawalDone:       "已完成",
	WithdrawalFailed:     "失敗",
	WithdrawalStalled:    "結算停滯，需人工對帳",
	RecoveredDeposits:    "已恢復 %d 筆未完成入金",

	CreditOpen:     "信用額度已開啟",
	CreditSettled:  "信用額度已結算",
	CreditExpiring: "信用額度即將到期",

	ReconStarted:      "對帳服務已啟動",
	MarketFeedStarted: "市場事件串流已啟動",
}

// statusKeys maps status values shown by the API onto message fields.
var statusKeys = map[string]string{
	"locked":             "CustodyLocked",
	"unlocked_active":    "CustodyActive",
	"signed_out":         "CustodySignedOut",
	"L1":                 "LedgerL1",
	"L2":                 "LedgerL2",
	"claimed":            "DepositClaimed",
	"already_claimed":    "DepositClaimed",
	"released":           "LockReleased",
	"submitting":         "WithdrawalSubmitting",
	"pending_settlement": "WithdrawalPending",
	"completed":          "WithdrawalDone",
	"failed":             "WithdrawalFailed",
	"stalled":            "WithdrawalStalled",
	"open":               "CreditOpen",
	"settled":            "CreditSettled",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}

// StatusLabel returns the display label of a status value, or the value itself.
func StatusLabel(status string) string {
	if key, ok := statusKeys[status]; ok {
		return Get(key)
	}
	return status
}
