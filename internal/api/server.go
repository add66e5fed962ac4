// Package api provides the REST and websocket API server.
package api

import (
	"context"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oreboard/indexer/internal/config"
	"github.com/oreboard/indexer/internal/readmodel"
	"github.com/oreboard/indexer/internal/store"
	"github.com/oreboard/indexer/internal/telemetry"
	"github.com/oreboard/indexer/internal/util"
)

// Server is the API server.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	cache     *readmodel.Cache
	telemetry *telemetry.Agent
	router    *gin.Engine
	server    *http.Server
}

const (
	defaultLimit = 100
	maxLimit     = 2000
)

// NewServer creates a new API server. t must be non-nil; pass a disabled
// agent rather than a nil *telemetry.Agent when New Relic reporting is off.
func NewServer(cfg *config.Config, s *store.Store, cache *readmodel.Cache, t *telemetry.Agent) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	srv := &Server{cfg: cfg, store: s, cache: cache, telemetry: t, router: router}
	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.router.Use(s.newRelicMiddleware)

	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s.router.GET("/", s.handleRoot)
	s.router.GET("/treasury", s.handleTreasury)
	s.router.GET("/board", s.handleBoard)
	s.router.GET("/round", s.handleLatestRound)
	s.router.GET("/rounds", s.handleRounds)
	s.router.GET("/treasuries", s.handleTreasuries)
	s.router.GET("/deployments", s.handleDeployments)
	s.router.GET("/miners", s.handleMiners)
	s.router.GET("/miner/:pubkey", s.handleMinerSnapshots)
	s.router.GET("/miner/totals", s.handleMinerTotals)
	s.router.GET("/miner/totals/ore", s.handleMinerTotalsOre)
	s.router.GET("/leaderboard", s.handleLeaderboard)
	s.router.GET("/leaderboard/ore", s.handleLeaderboardOre)
	s.router.GET("/ws/rounds", s.handleWSRounds)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// Start begins the API server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// newRelicMiddleware wraps every request in a New Relic transaction named
// after the route, attaching it to the request context so any handler can
// retrieve it via telemetry.Agent.FromContext and report errors against it.
func (s *Server) newRelicMiddleware(c *gin.Context) {
	if !s.telemetry.IsEnabled() {
		c.Next()
		return
	}

	txn := s.telemetry.StartTransaction(c.Request.Method + " " + c.FullPath())
	defer txn.End()

	c.Request = c.Request.WithContext(s.telemetry.NewContext(c.Request.Context(), txn))
	c.Next()

	if len(c.Errors) > 0 {
		s.telemetry.NoticeError(txn, c.Errors.Last())
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.String(200, "oreboard-indexer")
}

func (s *Server) handleTreasury(c *gin.Context) {
	if t := s.cache.Treasury(); t != nil {
		c.JSON(200, t)
		return
	}
	t, err := s.store.LatestTreasury(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, t)
}

func (s *Server) handleBoard(c *gin.Context) {
	b := s.cache.Board()
	if b == nil {
		c.JSON(404, gin.H{"error": "board not observed yet"})
		return
	}
	c.JSON(200, b)
}

func (s *Server) handleLatestRound(c *gin.Context) {
	if r := s.cache.LatestRound(); r != nil {
		c.JSON(200, r)
		return
	}
	r, err := s.store.LatestRound(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, r)
}

func (s *Server) handleRounds(c *gin.Context) {
	limit, offset := pagination(c)
	motherlodeOnly := c.Query("ml") == "true"

	var cursor *uint64
	if v := c.Query("cursor"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(400, gin.H{"error": "invalid cursor"})
			return
		}
		cursor = &parsed
	}

	rounds, err := s.store.Rounds(c.Request.Context(), limit, offset, cursor, motherlodeOnly)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, gin.H{"rounds": rounds})
}

func (s *Server) handleTreasuries(c *gin.Context) {
	limit, offset := pagination(c)
	treasuries, err := s.store.Treasuries(c.Request.Context(), limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, gin.H{"treasuries": treasuries})
}

func (s *Server) handleDeployments(c *gin.Context) {
	roundIDStr := c.Query("round_id")
	roundID, err := strconv.ParseUint(roundIDStr, 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "round_id is required"})
		return
	}

	deployments, err := s.store.DeploymentsByRound(c.Request.Context(), roundID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, gin.H{"deployments": deployments})
}

func (s *Server) handleMiners(c *gin.Context) {
	limit, offset := pagination(c)
	orderBy := c.DefaultQuery("order_by", "round_id")

	miners, err := s.store.LatestMinerSnapshotsByPubkey(c.Request.Context(), limit, offset, orderBy)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, gin.H{"miners": miners})
}

func (s *Server) handleMinerSnapshots(c *gin.Context) {
	pubkey := c.Param("pubkey")
	if !util.ValidatePubkey(pubkey) {
		c.JSON(400, gin.H{"error": "invalid pubkey"})
		return
	}
	// Snapshot rows are keyed by the hex encoding of the authority.
	key, err := util.DecodePubkey(pubkey)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid pubkey"})
		return
	}

	limit, offset := pagination(c)
	snapshots, err := s.store.MinerSnapshots(c.Request.Context(), hex.EncodeToString(key[:]), limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, gin.H{"pubkey": pubkey, "snapshots": snapshots})
}

func (s *Server) handleMinerTotals(c *gin.Context) {
	limit, offset := pagination(c)
	rows, err := s.store.MinerTotalsLeaderboard(c.Request.Context(), limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, gin.H{"leaderboard": rows})
}

func (s *Server) handleMinerTotalsOre(c *gin.Context) {
	limit, offset := pagination(c)
	rows, err := s.store.MinerTotalsOreLeaderboard(c.Request.Context(), limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, gin.H{"leaderboard": rows})
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	limit, offset := pagination(c)
	rows, err := s.store.RecentLeaderboard(c.Request.Context(), limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, gin.H{"leaderboard": rows})
}

func (s *Server) handleLeaderboardOre(c *gin.Context) {
	limit, offset := pagination(c)
	rows, err := s.store.RecentOreLeaderboard(c.Request.Context(), limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(200, gin.H{"leaderboard": rows})
}

// pagination parses limit/offset from the query string, clamping limit to
// [1, maxLimit] and defaulting to defaultLimit/0.
func pagination(c *gin.Context) (limit, offset int) {
	limit = defaultLimit
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	offset = 0
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

// respondErr maps a store error to 404 for a missing resource, 500 otherwise,
// logging the underlying error and never leaking it to the client.
func respondErr(c *gin.Context, err error) {
	if err == store.ErrNotFound {
		c.JSON(404, gin.H{"error": "not found"})
		return
	}
	util.Errorf("api: %v", err)
	c.Error(err)
	c.JSON(500, gin.H{"error": "internal error"})
}
