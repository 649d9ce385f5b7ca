// Package api provides the read-only status API and admin policy
// endpoints for the proxy.
package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tos-network/stratum-splitter/internal/config"
	"github.com/tos-network/stratum-splitter/internal/downstream"
	"github.com/tos-network/stratum-splitter/internal/events"
	"github.com/tos-network/stratum-splitter/internal/policy"
	"github.com/tos-network/stratum-splitter/internal/scheduler"
	"github.com/tos-network/stratum-splitter/internal/storage"
	"github.com/tos-network/stratum-splitter/internal/upstream"
	"github.com/tos-network/stratum-splitter/internal/util"
)

// UpstreamStatus is the status of one upstream pool connection.
type UpstreamStatus struct {
	PoolID              string  `json:"pool_id"`
	State               string  `json:"state"`
	Extranonce1         string  `json:"extranonce1"`
	Difficulty          float64 `json:"difficulty"`
	LastJobAgeSeconds   float64 `json:"last_job_age_seconds"`
	ConsecutiveTimeouts int     `json:"consecutive_timeouts"`
}

// DownstreamStatus is the status of one connected miner session.
type DownstreamStatus struct {
	ID               uint64  `json:"id"`
	RemoteIP         string  `json:"remote_ip"`
	WorkerName       string  `json:"worker_name"`
	ActivePool       string  `json:"active_pool"`
	Difficulty       float64 `json:"difficulty"`
	ConnectedSeconds float64 `json:"connected_seconds"`
	LastSubmitAgo    float64 `json:"last_submit_ago_seconds"`
}

// SchedulerStatus describes the scheduler's effective weighting.
type SchedulerStatus struct {
	Mode    string `json:"mode"`
	WeightA int    `json:"weight_a"`
	WeightB int    `json:"weight_b"`
}

// StatusResponse is the /api/status response (spec §6).
type StatusResponse struct {
	Upstreams   []UpstreamStatus    `json:"upstreams"`
	Downstreams []DownstreamStatus  `json:"downstreams"`
	Scheduler   SchedulerStatus     `json:"scheduler"`
	Counters    map[string]uint64   `json:"counters"`
	Now         int64               `json:"now"`
}

// Server is the proxy's status API and admin policy server.
type Server struct {
	cfg        *config.APIConfig
	pools      map[string]*upstream.Session
	downstream *downstream.Server
	sched      *scheduler.Scheduler
	bus        *events.Bus
	pol        *policy.PolicyServer
	redis      *storage.RedisClient

	router *gin.Engine
	server *http.Server

	cacheMu   sync.RWMutex
	cache     *StatusResponse
	cacheTime time.Time

	snapshotQuit chan struct{}
	snapshotWG   sync.WaitGroup
}

// NewServer creates the status API server. pol may be nil if policy
// administration is not wired in (ban lists stay file/config only). redis
// may be nil if Redis is disabled, in which case status snapshots are
// never persisted or loaded (spec §6 recovery display is best-effort).
func NewServer(cfg *config.APIConfig, pools map[string]*upstream.Session, ds *downstream.Server, sched *scheduler.Scheduler, bus *events.Bus, pol *policy.PolicyServer, redis *storage.RedisClient) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:        cfg,
		pools:      pools,
		downstream: ds,
		sched:      sched,
		bus:        bus,
		pol:        pol,
		redis:      redis,
		router:     router,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := "*"
		if len(s.cfg.CORSOrigins) > 0 {
			origin = strings.Join(s.cfg.CORSOrigins, ", ")
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
	}

	if s.cfg.AdminSecret != "" && s.pol != nil {
		admin := s.router.Group("/admin/policy")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.GET("/blacklist", s.handleGetBlacklist)
			admin.POST("/blacklist", s.handleAddBlacklist)
			admin.DELETE("/blacklist/:worker", s.handleRemoveBlacklist)
			admin.GET("/whitelist", s.handleGetWhitelist)
			admin.POST("/whitelist", s.handleAddWhitelist)
			admin.DELETE("/whitelist/:ip", s.handleRemoveWhitelist)
		}
	}
}

// Start begins the API server. If Redis status-snapshot persistence is
// wired in, it also logs the last snapshot from before this restart (spec
// §6 recovery display) and starts the periodic refresh that keeps it
// current for the next one.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.router,
	}

	util.Infow("api server listening", "bind", s.cfg.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorw("api server error", "error", err)
		}
	}()

	if s.redis != nil {
		if prev, err := s.redis.GetStatusSnapshot(); err != nil {
			util.Warnw("api server: failed to load prior status snapshot", "error", err)
		} else if prev != nil {
			util.Infow("api server: recovered status snapshot from before restart",
				"saved_at", prev.SavedAt, "miner_count", prev.MinerCount, "pool_states", prev.PoolStates)
		}

		s.snapshotQuit = make(chan struct{})
		s.snapshotWG.Add(1)
		go s.persistSnapshotLoop()
	}

	return nil
}

// Stop shuts down the API server and, if running, the snapshot persistence
// loop.
func (s *Server) Stop() error {
	if s.snapshotQuit != nil {
		close(s.snapshotQuit)
		s.snapshotWG.Wait()
	}
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// persistSnapshotLoop periodically writes the current proxy status to
// Redis so a restart has something to show immediately, before the live
// state below it has repopulated.
func (s *Server) persistSnapshotLoop() {
	defer s.snapshotWG.Done()

	ticker := time.NewTicker(storage.StatusSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.snapshotQuit:
			return
		case <-ticker.C:
			snap := s.buildStatusSnapshot()
			if err := s.redis.PutStatusSnapshot(snap); err != nil {
				util.Warnw("api server: failed to persist status snapshot", "error", err)
			}
		}
	}
}

func (s *Server) buildStatusSnapshot() *storage.StatusSnapshot {
	status := s.buildStatus()

	poolStates := make(map[string]string, len(status.Upstreams))
	for _, u := range status.Upstreams {
		poolStates[u.PoolID] = u.State
	}

	return &storage.StatusSnapshot{
		SavedAt:    status.Now,
		PoolStates: poolStates,
		PoolWeights: map[string]int{
			"A": status.Scheduler.WeightA,
			"B": status.Scheduler.WeightB,
		},
		MinerCount:  len(status.Downstreams),
		EventCounts: status.Counters,
	}
}

func (s *Server) buildStatus() *StatusResponse {
	now := time.Now()

	upstreams := make([]UpstreamStatus, 0, len(s.pools))
	for poolID, sess := range s.pools {
		snap := sess.Snapshot()
		ageSeconds := -1.0
		if snap.LatestJob != nil {
			ageSeconds = now.Sub(snap.LatestJob.ReceivedAt).Seconds()
		}
		upstreams = append(upstreams, UpstreamStatus{
			PoolID:              poolID,
			State:               snap.State.String(),
			Extranonce1:         snap.Extranonce1,
			Difficulty:          snap.Difficulty,
			LastJobAgeSeconds:   ageSeconds,
			ConsecutiveTimeouts: snap.ConsecutiveTimeouts,
		})
	}

	var downstreams []DownstreamStatus
	if s.downstream != nil {
		for _, sess := range s.downstream.Sessions() {
			lastSubmit := sess.LastSubmit()
			lastSubmitAgo := -1.0
			if !lastSubmit.IsZero() {
				lastSubmitAgo = now.Sub(lastSubmit).Seconds()
			}
			downstreams = append(downstreams, DownstreamStatus{
				ID:               sess.ID,
				RemoteIP:         sess.RemoteIP(),
				WorkerName:       sess.WorkerName(),
				ActivePool:       sess.ActivePool(),
				Difficulty:       sess.Difficulty(),
				ConnectedSeconds: now.Sub(sess.ConnectedAt()).Seconds(),
				LastSubmitAgo:    lastSubmitAgo,
			})
		}
	}

	weightA, weightB := s.sched.Weights()

	return &StatusResponse{
		Upstreams:   upstreams,
		Downstreams: downstreams,
		Scheduler: SchedulerStatus{
			Mode:    string(s.sched.Mode()),
			WeightA: weightA,
			WeightB: weightB,
		},
		Counters: s.bus.Snapshot(),
		Now:      now.Unix(),
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	s.cacheMu.RLock()
	if s.cache != nil && s.cfg.StatsCache > 0 && time.Since(s.cacheTime) < s.cfg.StatsCache {
		cached := s.cache
		s.cacheMu.RUnlock()
		c.JSON(200, cached)
		return
	}
	s.cacheMu.RUnlock()

	status := s.buildStatus()

	s.cacheMu.Lock()
	s.cache = status
	s.cacheTime = time.Now()
	s.cacheMu.Unlock()

	c.JSON(200, status)
}

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, gin.H{"error": "authorization required"})
			c.Abort()
			return
		}

		secret := strings.TrimPrefix(auth, "Bearer ")
		if secret != s.cfg.AdminSecret {
			c.JSON(403, gin.H{"error": "invalid admin secret"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) handleGetBlacklist(c *gin.Context) {
	c.JSON(200, gin.H{"blacklist": s.pol.SnapshotBlacklist()})
}

// BlacklistRequest is an admin blacklist mutation request.
type BlacklistRequest struct {
	WorkerName string `json:"worker_name"`
}

func (s *Server) handleAddBlacklist(c *gin.Context) {
	var req BlacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WorkerName == "" {
		c.JSON(400, gin.H{"error": "worker_name required"})
		return
	}

	if err := s.pol.AddToBlacklist(req.WorkerName); err != nil {
		c.JSON(500, gin.H{"error": "failed to add to blacklist"})
		return
	}

	util.Infow("admin added worker to blacklist", "worker", req.WorkerName)
	c.JSON(200, gin.H{"status": "ok", "worker_name": req.WorkerName})
}

func (s *Server) handleRemoveBlacklist(c *gin.Context) {
	worker := c.Param("worker")
	s.pol.RemoveFromBlacklist(worker)
	c.JSON(200, gin.H{"status": "ok", "worker_name": worker})
}

func (s *Server) handleGetWhitelist(c *gin.Context) {
	c.JSON(200, gin.H{"whitelist": s.pol.SnapshotWhitelist()})
}

// WhitelistRequest is an admin whitelist mutation request.
type WhitelistRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleAddWhitelist(c *gin.Context) {
	var req WhitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IP == "" {
		c.JSON(400, gin.H{"error": "ip required"})
		return
	}

	if err := s.pol.AddToWhitelist(req.IP); err != nil {
		c.JSON(500, gin.H{"error": "failed to add to whitelist"})
		return
	}

	util.Infow("admin added IP to whitelist", "ip", req.IP)
	c.JSON(200, gin.H{"status": "ok", "ip": req.IP})
}

func (s *Server) handleRemoveWhitelist(c *gin.Context) {
	ip := c.Param("ip")
	s.pol.RemoveFromWhitelist(ip)
	c.JSON(200, gin.H{"status": "ok", "ip": ip})
}
