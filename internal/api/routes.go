package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rawblock/fedsig-coordinator/internal/alert"
	"github.com/rawblock/fedsig-coordinator/internal/intel"
	"github.com/rawblock/fedsig-coordinator/internal/session"
	"github.com/rawblock/fedsig-coordinator/internal/stats"
	"github.com/rawblock/fedsig-coordinator/internal/trust"
	"github.com/rawblock/fedsig-coordinator/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Handler wires the REST read/write surface (spec §6) to the coordinator's
// core components.
type Handler struct {
	trust      *trust.Manager
	aggregator *intel.Aggregator
	hub        *session.Hub
	stats      *stats.Projector
	alerts     *alert.Manager
	log        zerolog.Logger
}

// SetupRouter builds the gin.Engine for the coordinator, following the
// teacher's CORS-middleware-plus-grouped-routes layout in
// internal/api/routes.go, generalized from the forensics surface to the
// federated threat-intelligence surface.
func SetupRouter(tm *trust.Manager, agg *intel.Aggregator, hub *session.Hub, proj *stats.Projector, am *alert.Manager, authToken string, log zerolog.Logger) *gin.Engine {
	r := gin.Default()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := &Handler{trust: tm, aggregator: agg, hub: hub, stats: proj, alerts: am, log: log}

	// Public endpoints: no auth, no rate limit.
	pub := r.Group("/api")
	{
		pub.GET("/health", h.handleHealth)
	}
	r.GET("/ws", func(c *gin.Context) { hub.ServeWebSocket(c.Writer, c.Request) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected read/write API: bearer-token auth plus per-IP rate limit.
	protected := r.Group("/api")
	protected.Use(AuthMiddleware(authToken, log))
	protected.Use(NewRateLimiter(120, 20).Middleware())
	{
		protected.GET("/status", h.handleStatus)
		protected.GET("/clients", h.handleListClients)
		protected.GET("/clients/:id", h.handleGetClient)
		protected.GET("/iocs", h.handleListIOCs)
		protected.GET("/iocs/:id", h.handleGetIOC)
		protected.GET("/trust_scores", h.handleListTrustScores)
		protected.GET("/trust_scores/:id", h.handleGetTrustScore)
		protected.GET("/trust_scores/:id/history", h.handleTrustHistory)
		protected.GET("/detections", h.handleDetections)
		protected.GET("/intel/statistics", h.handleIntelStatistics)
		protected.GET("/sync_intel", h.handleSyncIntel)
		protected.POST("/report_threat", h.handleReportThreat)
		protected.GET("/alerts", h.handleRecentAlerts)
	}

	return r
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "operational",
		"service": "fedsig-coordinator",
	})
}

func (h *Handler) handleStatus(c *gin.Context) {
	stats, err := h.stats.SystemStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) handleListClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": h.hub.Profiles()})
}

func (h *Handler) handleGetClient(c *gin.Context) {
	profile, ok := h.hub.Profile(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown client_id"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) handleListIOCs(c *gin.Context) {
	status := models.IntelStatus(c.Query("status"))
	iocType := models.IOCType(c.Query("type"))
	threatLevel := models.ThreatLevel(c.Query("threat_level"))

	all, err := h.aggregator.List(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	filtered := make([]models.ThreatIntel, 0, len(all))
	for _, rec := range all {
		if iocType != "" && rec.IOC.Type != iocType {
			continue
		}
		if threatLevel != "" && rec.IOC.ThreatLevel != threatLevel {
			continue
		}
		filtered = append(filtered, rec)
	}

	c.JSON(http.StatusOK, gin.H{"iocs": filtered, "count": len(filtered)})
}

func (h *Handler) handleGetIOC(c *gin.Context) {
	rec, err := h.aggregator.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown ioc_id"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) handleListTrustScores(c *gin.Context) {
	scores, err := h.trust.AllScores(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trust_scores": scores})
}

func (h *Handler) handleGetTrustScore(c *gin.Context) {
	score, err := h.trust.GetScore(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, score)
}

// handleTrustHistory serves the supplemental trust-history endpoint
// restored from the original Python's get_trust_history.
func (h *Handler) handleTrustHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	history, err := h.trust.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *Handler) handleDetections(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	c.JSON(http.StatusOK, gin.H{"detections": h.hub.RecentDetections(limit)})
}

func (h *Handler) handleIntelStatistics(c *gin.Context) {
	stats, err := h.aggregator.Statistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleSyncIntel is the HTTP analogue of the sync_request websocket event,
// for clients that poll rather than maintain a live session.
func (h *Handler) handleSyncIntel(c *gin.Context) {
	snapshot := h.aggregator.VerifiedSnapshot()
	c.JSON(http.StatusOK, gin.H{"iocs": snapshot, "count": len(snapshot)})
}

// handleReportThreat is the HTTP analogue of the ioc_report websocket
// event, letting a client submit a report without an open session.
func (h *Handler) handleReportThreat(c *gin.Context) {
	var req struct {
		ClientID     string            `json:"client_id" binding:"required"`
		IOCType      models.IOCType    `json:"ioc_type" binding:"required"`
		Value        string            `json:"value" binding:"required"`
		ThreatLevel  models.ThreatLevel `json:"threat_level"`
		Metadata     map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.IOCType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ioc_type"})
		return
	}

	ctx := c.Request.Context()
	trustVal, err := h.trust.Get(ctx, req.ClientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ioc := models.NewIOC(req.IOCType, req.Value, req.ThreatLevel, req.ClientID, req.Metadata, time.Time{})
	promoted, err := h.aggregator.Report(ctx, ioc, trustVal)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if promoted != nil {
		// Same broadcast + per-voter trust reward the websocket ioc_report
		// path performs, so a REST-submitted report that tips consensus
		// fans out identically (spec §6 report_threat).
		h.hub.BroadcastPromotion(ctx, promoted)
	}

	c.JSON(http.StatusOK, gin.H{"ioc_id": ioc.ID, "promoted": promoted})
}

func (h *Handler) handleRecentAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if h.alerts == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []alert.Alert{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": h.alerts.Recent(limit)})
}
