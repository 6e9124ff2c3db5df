// Package api is the API Adapter of spec.md §4.7/§6: a qBittorrent Web API
// v2-compatible HTTP surface in front of the Job Manager. It generalizes the
// gin-group-with-middleware shape of the teacher's internal/handlers.Server
// (session cookie auth, gin.H{} JSON bodies), but the route table itself is
// replaced wholesale: the teacher's routes (/api/movies,
// /api/torrents/magnet, an embedded HTML movie browser) serve a bespoke
// single-user dashboard, not a qBittorrent client surface, and have no
// equivalent here.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ygncode/alldebrid-broker/internal/jobmanager"
)

// requestIDHeader is the header clients/reverse proxies can read back to
// correlate a request with the log line requestLogger emits for it.
const requestIDHeader = "X-Request-Id"

// Server is the qBittorrent-compatible HTTP surface.
type Server struct {
	mgr                *jobmanager.Manager
	downloadPath       string
	maxActiveDownloads int
	startedAt          time.Time
	log                *zap.Logger
	router             *gin.Engine
	metrics            *metricsRegistry
}

// NewServer constructs the Adapter. downloadPath and maxActiveDownloads back
// GET /app/preferences; maxActiveDownloads is purely informational (actual
// concurrency is enforced by the Scheduler's TuningProfile).
func NewServer(mgr *jobmanager.Manager, downloadPath string, maxActiveDownloads int, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		mgr:                mgr,
		downloadPath:       downloadPath,
		maxActiveDownloads: maxActiveDownloads,
		startedAt:          time.Now(),
		log:                log,
		router:             gin.New(),
		metrics:            newMetricsRegistry(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

// Router exposes the underlying gin engine, e.g. for httptest.NewServer in
// tests.
func (s *Server) Router() http.Handler { return s.router }

// Run blocks serving the Adapter on bindAddr (spec.md §6's API_BIND).
func (s *Server) Run(bindAddr string) error {
	return s.router.Run(bindAddr)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		c.Next()
		s.log.Debug("api: request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", s.handleMetricsJSON)
	s.router.GET("/metrics/prom", s.handleMetricsProm)

	v2 := s.router.Group("/api/v2")
	{
		v2.POST("/auth/login", s.handleLogin)

		v2.GET("/app/version", s.handleAppVersion)
		v2.GET("/app/webapiVersion", s.handleWebAPIVersion)
		v2.GET("/app/preferences", s.handleAppPreferences)

		v2.POST("/torrents/add", s.handleTorrentsAdd)
		v2.GET("/torrents/info", s.handleTorrentsInfo)
		v2.POST("/torrents/delete", s.handleTorrentsDelete)
		v2.POST("/torrents/pause", s.handleTorrentsPause)
		v2.POST("/torrents/resume", s.handleTorrentsResume)
		v2.POST("/torrents/recheck", s.handleTorrentsRecheck)
		v2.GET("/torrents/categories", s.handleTorrentsCategories)
		v2.GET("/torrents/properties", s.handleTorrentProperties)
		v2.GET("/torrents/files", s.handleTorrentFiles)
		v2.GET("/torrents/trackers", s.handleTorrentTrackers)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleLogin accepts any credentials, per spec.md §6: "Authentication
// endpoints accept any credentials and return success."
func (s *Server) handleLogin(c *gin.Context) {
	c.SetCookie("SID", "broker", 3600, "/", "", false, true)
	c.String(http.StatusOK, "Ok.")
}

func (s *Server) handleAppVersion(c *gin.Context) {
	c.String(http.StatusOK, "v4.5.0")
}

func (s *Server) handleWebAPIVersion(c *gin.Context) {
	c.String(http.StatusOK, "2.8.0")
}

func (s *Server) handleAppPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"save_path":            s.downloadPath,
		"max_active_downloads": s.maxActiveDownloads,
	})
}

// handleTorrentsCategories is an addition from
// original_source/src/api/routes.py's get_categories, not in spec.md §6's
// table but used by qBittorrent clients (e.g. *arr apps) to validate a
// category exists before calling torrents/add.
func (s *Server) handleTorrentsCategories(c *gin.Context) {
	complete := s.downloadPath + "/complete"
	c.JSON(http.StatusOK, gin.H{
		"sonarr": gin.H{"name": "sonarr", "savePath": complete},
		"radarr": gin.H{"name": "radarr", "savePath": complete},
	})
}

// handleTorrentsRecheck is a dummy endpoint for client compatibility, ported
// from original_source/src/api/routes.py's recheck_torrents: the broker
// performs no piece verification (spec.md §1 non-goals), so this is always
// a no-op success.
func (s *Server) handleTorrentsRecheck(c *gin.Context) {
	c.String(http.StatusOK, "Ok.")
}

func (s *Server) handleTorrentTrackers(c *gin.Context) {
	c.JSON(http.StatusOK, []gin.H{})
}
