package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"bridge-core/internal/balance"
	"bridge-core/internal/bridge"
	"bridge-core/internal/credit"
	"bridge-core/internal/custody"
	"bridge-core/internal/events"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/market"
	"bridge-core/internal/monitor"
	"bridge-core/internal/persistence"
	"bridge-core/internal/reconciliation"
	"bridge-core/pkg/db"
	"bridge-core/pkg/i18n"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config tunes the HTTP layer.
type Config struct {
	JWTSecret      string
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
	Version        string
}

// Services are the components the API fronts.
type Services struct {
	Custody  *custody.Manager
	L1       *l1.Client
	L2       *l2.Client
	Bridge   *bridge.Coordinator
	Credit   *credit.Manager
	Market   *market.Engine
	Balances *balance.Registry
	Recon    *reconciliation.Service
	Bus      *events.Bus
	DB       *db.Database
	Metrics  *monitor.Metrics
	Monitor  *monitor.Monitor
	TradeLog *persistence.BatchWriter
}

// session is the API login tied to one custody unlock.
type session struct {
	id        string
	l1        string
	l2        string
	expiresAt time.Time
}

// Server wires HTTP endpoints around the bridge components.
type Server struct {
	Router *gin.Engine
	cfg    Config
	svc    Services

	mu       sync.Mutex
	sess     *session
	degraded map[string]bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

func NewServer(cfg Config, svc Services) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if svc.Bus == nil {
		svc.Bus = events.NewBus()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(svc.Metrics))
	r.Use(RateLimitMiddleware(newIPLimiters(cfg.RateLimit, cfg.RateBurst)))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:   r,
		cfg:      cfg,
		svc:      svc,
		degraded: make(map[string]bool),
		done:     make(chan struct{}),
	}
	svc.Custody.OnSignOut(s.revoke)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.svc.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.svc.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		sess := api.Group("/session")
		{
			sess.POST("/unlock", s.unlock)
			sess.POST("/lock", s.lock)
			sess.POST("/activity", s.activity)
			sess.GET("", s.getSession)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.cfg.JWTSecret, s.currentSessionID))
		protected.Use(s.touch)
		{
			protected.GET("/balances", s.getBalances)

			protected.POST("/bridge/deposit", s.deposit)
			protected.POST("/bridge/deposit/:lockId/resume", s.resumeDeposit)
			protected.GET("/bridge/locks", s.getLocks)
			protected.POST("/bridge/withdraw", s.withdraw)
			protected.GET("/bridge/withdrawals", s.getWithdrawals)
			protected.POST("/bridge/withdrawals/:nonce/refresh", s.refreshWithdrawal)

			protected.GET("/ledger", s.getLedger)
			protected.POST("/transfer", s.transfer)
			protected.POST("/admin/mint", s.mint)

			protected.POST("/credit/open", s.openCredit)
			protected.POST("/credit/settle", s.settleCredit)
			protected.GET("/credit", s.getCredit)

			protected.GET("/markets/:id", s.getMarket)
			protected.POST("/markets/:id/quote", s.quote)
			protected.POST("/markets/:id/buy", s.buy)
			protected.POST("/markets/:id/sell", s.sell)
			protected.POST("/markets/:id/resolution", s.signResolution)
			protected.GET("/positions", s.getPositions)
			protected.GET("/trades", s.getTrades)

			protected.GET("/reconcile", s.getReconcile)
			protected.POST("/reconcile", s.reconcile)
		}
	}

	s.Router.GET("/ws", AuthMiddleware(s.cfg.JWTSecret, s.currentSessionID), s.websocket)
}

// touch counts every mutating protected request as custody activity.
func (s *Server) touch(c *gin.Context) {
	if c.Request.Method != http.MethodGet {
		s.svc.Custody.RecordActivity()
	}
	c.Next()
}

func (s *Server) currentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return ""
	}
	return s.sess.id
}

func (s *Server) currentSession() (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return session{}, false
	}
	return *s.sess, true
}

// revoke runs when custody signs out: tokens stop working and the L2
// session token is forgotten.
func (s *Server) revoke() {
	s.mu.Lock()
	had := s.sess != nil
	s.sess = nil
	s.mu.Unlock()
	if s.svc.L2 != nil {
		s.svc.L2.DropSession()
	}
	if had {
		log.Info().Msg("api session revoked")
	}
}

type healthStatus struct {
	Status    string                          `json:"status"`
	Version   string                          `json:"version,omitempty"`
	Degraded  bool                            `json:"degraded"`
	Services  map[string]string               `json:"services"`
	ClockSkew map[string]int64                `json:"clock_skew_ms,omitempty"`
	TradeLog  *persistence.BatchWriterMetrics `json:"trade_log,omitempty"`
	Banner    string                          `json:"banner,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	out := healthStatus{
		Status:    "ok",
		Version:   s.cfg.Version,
		Services:  make(map[string]string),
		ClockSkew: make(map[string]int64),
	}
	checks := map[string]func(context.Context) error{}
	if s.svc.L1 != nil {
		checks["l1"] = s.svc.L1.Health
		out.ClockSkew["l1"] = s.svc.L1.Transport().ClockSkew().Milliseconds()
	}
	if s.svc.L2 != nil {
		checks["l2"] = s.svc.L2.Health
		out.ClockSkew["l2"] = s.svc.L2.Transport().ClockSkew().Milliseconds()
	}
	if s.svc.TradeLog != nil {
		m := s.svc.TradeLog.Metrics()
		out.TradeLog = &m
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check func(context.Context) error) {
			defer wg.Done()
			err := check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Services[name] = err.Error()
				out.Degraded = true
			} else {
				out.Services[name] = "ok"
			}
			s.setDegraded(name, err)
		}(name, check)
	}
	wg.Wait()

	if out.Degraded {
		out.Status = "degraded"
		out.Banner = i18n.Get("TradingDisabled")
	}
	c.JSON(http.StatusOK, out)
}

// setDegraded publishes ServiceDegraded whenever a ledger changes health.
func (s *Server) setDegraded(service string, err error) {
	degraded := err != nil
	s.mu.Lock()
	prev, seen := s.degraded[service]
	s.degraded[service] = degraded
	s.mu.Unlock()
	if seen && prev == degraded || !seen && !degraded {
		return
	}
	ev := events.ServiceDegraded{Service: service, Degraded: degraded}
	if err != nil {
		ev.Detail = err.Error()
	}
	s.svc.Bus.Publish(ev)
}

type unlockRequest struct {
	Secret string `json:"secret" binding:"required"`
}

type sessionResponse struct {
	Token         string    `json:"token,omitempty"`
	State         string    `json:"state"`
	StateLabel    string    `json:"state_label"`
	L1Address     string    `json:"l1_address,omitempty"`
	L2Address     string    `json:"l2_address,omitempty"`
	ActiveUntil   time.Time `json:"active_until,omitempty"`
	HardLogoutAt  time.Time `json:"hard_logout_at,omitempty"`
	Authenticated bool      `json:"authenticated"`
}

func (s *Server) unlock(c *gin.Context) {
	var req unlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	secret := []byte(req.Secret)
	ok, err := s.svc.Custody.Unlock(c.Request.Context(), secret)
	for i := range secret {
		secret[i] = 0
	}
	if err != nil {
		respondErr(c, err)
		return
	}
	if !ok {
		respondError(c, http.StatusUnauthorized, "WRONG_SECRET", "secret does not open the vault")
		return
	}

	signer, err := s.svc.Custody.CurrentSigner()
	if err != nil {
		respondErr(c, err)
		return
	}
	_, hard := s.svc.Custody.Deadlines()
	sess := &session{
		id:        uuid.NewString(),
		l1:        signer.L1Address(),
		l2:        signer.L2Address(),
		expiresAt: hard,
	}
	token, err := generateToken(sess.id, sess.l1, sess.l2, s.cfg.JWTSecret, hard)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "TOKEN_FAILED", "failed to issue token")
		return
	}
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()

	if s.svc.Monitor != nil {
		s.svc.Monitor.MarkUnlocked()
	}
	s.afterUnlock(*sess)

	resp := s.describeSession()
	resp.Token = token
	c.JSON(http.StatusOK, resp)
}

// afterUnlock restores local caches for the account and resumes deposits a
// previous run left half done.
func (s *Server) afterUnlock(sess session) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		if s.svc.Market != nil {
			if err := s.svc.Market.Positions().Load(ctx, sess.l2); err != nil {
				log.Warn().Err(err).Msg("load positions")
			}
		}
		if s.svc.Credit != nil {
			if err := s.svc.Credit.Load(ctx, sess.l1, sess.l2); err != nil {
				log.Warn().Err(err).Msg("load credit session")
			}
		}
		if s.svc.Bridge != nil {
			n, err := s.svc.Bridge.Recover(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("recover deposits")
			}
			if n > 0 {
				log.Info().Int("deposits", n).Msg("resumed unfinished deposits")
			}
		}
	}()
}

func (s *Server) lock(c *gin.Context) {
	s.svc.Custody.Lock()
	c.JSON(http.StatusOK, s.describeSession())
}

func (s *Server) activity(c *gin.Context) {
	s.svc.Custody.RecordActivity()
	c.JSON(http.StatusOK, s.describeSession())
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.describeSession())
}

func (s *Server) describeSession() sessionResponse {
	state := s.svc.Custody.State()
	active, hard := s.svc.Custody.Deadlines()
	resp := sessionResponse{
		State:        state.String(),
		StateLabel:   i18n.StatusLabel(state.String()),
		ActiveUntil:  active,
		HardLogoutAt: hard,
	}
	if sess, ok := s.currentSession(); ok {
		resp.Authenticated = true
		resp.L1Address = sess.l1
		resp.L2Address = sess.l2
	}
	return resp
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// Close stops websocket pushes and waits for background unlock work.
func (s *Server) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}
