package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/solwatch/solwatch/internal/coordinator"
	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/view"
	"github.com/solwatch/solwatch/internal/ws"
)

// Server wires the HTTP handlers to the aggregation view, the coordinator
// (force refresh only) and the websocket hub.
type Server struct {
	View  *view.View
	Coord *coordinator.Coordinator
	Hub   *ws.Hub

	startedAt time.Time
}

// New builds a Server.
func New(v *view.View, coord *coordinator.Coordinator, hub *ws.Hub) *Server {
	return &Server{View: v, Coord: coord, Hub: hub, startedAt: time.Now()}
}

// RegisterRoutes wires up the dashboard API on the given engine.
//
//	Public:   POST /api/login, GET /api/health, GET /ws
//	Protected (JWT): all other /api/* routes
func (s *Server) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", handleLogin)
	api.GET("/health", s.handleHealth)

	// Event stream carries no credentials; it stays public like /api/health
	// so the dashboard can connect before login completes.
	r.GET("/ws", gin.WrapF(s.Hub.Serve))

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", JWTMiddleware())
	{
		auth.GET("/summary", s.handleSummary)
		auth.GET("/sites", s.handleSites)
		auth.GET("/sites/:id", s.handleSiteDetail)
		auth.POST("/sites/:id/refresh", s.handleForceRefresh)
		auth.GET("/alerts", s.handleAlerts)
		auth.GET("/batteries/low", s.handleLowBatteries)
	}
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if !VerifyAdmin(body.Username, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := GenerateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": 86400, // seconds
		"type":       "Bearer",
	})
}

// handleSummary returns the fleet-wide rollup. Failing sources appear
// inside the payload as degraded rows; this endpoint never 500s because a
// vendor is down.
func (s *Server) handleSummary(c *gin.Context) {
	summary, err := s.View.FleetSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// handleSites returns the configured roster.
func (s *Server) handleSites(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.View.Fleet()})
}

// handleSiteDetail returns devices, latest samples and alert history for
// one site.
func (s *Server) handleSiteDetail(c *gin.Context) {
	detail, err := s.View.SiteDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, view.ErrUnknownSite) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown site"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": detail})
}

// handleForceRefresh triggers an immediate refresh for one (site, category)
// key, bypassing the freshness check. A concurrent in-flight fetch for the
// same key is joined, not duplicated.
//
//	POST /api/sites/:id/refresh?category=production_power
func (s *Server) handleForceRefresh(c *gin.Context) {
	site, ok := s.View.Site(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown site"})
		return
	}
	category, err := models.ParseCategory(c.Query("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.Coord.ForceRefresh(c.Request.Context(), site, category)
	if err != nil {
		if errors.Is(err, coordinator.ErrStaleAndUnavailable) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

// handleAlerts returns alert history; ?active=true narrows to unresolved.
func (s *Server) handleAlerts(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.DefaultQuery("active", "false"))
	alerts, err := s.View.AllAlerts(activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alerts})
}

// handleLowBatteries returns batteries under 10% SoE or with no reading.
func (s *Server) handleLowBatteries(c *gin.Context) {
	batteries, err := s.View.LowBatteries()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": batteries})
}
