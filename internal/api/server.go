// Package api exposes a minimal HTTP introspection surface over the
// coordinator and signal store: health, plan admission, and signal
// history. It carries no trading authority of its own.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"breakout-engine/internal/coordinator"
	"breakout-engine/internal/logging"
	"breakout-engine/internal/signalstore"
	"breakout-engine/internal/types"
)

// Server is the HTTP introspection server wrapping one Coordinator and
// its signal store.
type Server struct {
	router      *gin.Engine
	coordinator *coordinator.Coordinator
	store       *signalstore.Store
	log         *logging.Logger
}

// ServerConfig controls gin mode and CORS origins.
type ServerConfig struct {
	ProductionMode bool
	AllowOrigins   []string
}

// NewServer builds a Server with health, plan admission, and signal
// lookup routes registered.
func NewServer(cfg ServerConfig, coord *coordinator.Coordinator, store *signalstore.Store, log *logging.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{router: router, coordinator: coord, store: store, log: log}
	s.setupRoutes()
	return s
}

// Handler returns the underlying gin engine for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.POST("/plans", s.handleAddPlan)
	s.router.GET("/plans/:planID/signals", s.handleListSignals)
}

func (s *Server) handleHealthz(c *gin.Context) {
	successResponse(c, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// addPlanRequest mirrors the admitted-plan fields a caller supplies;
// the server fills in ID and CreatedAtMs when absent.
type addPlanRequest struct {
	ID           string  `json:"id"`
	InstrumentID string  `json:"instrument_id" binding:"required"`
	Direction    string  `json:"direction" binding:"required"`
	EntryType    string  `json:"entry_type"`
	EntryPrice   float64 `json:"entry_price" binding:"required"`
}

func (s *Server) handleAddPlan(c *gin.Context) {
	var req addPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	entryType := req.EntryType
	if entryType == "" {
		entryType = "breakout"
	}

	plan := types.Plan{
		ID:           req.ID,
		InstrumentID: req.InstrumentID,
		Direction:    types.Direction(req.Direction),
		EntryType:    entryType,
		EntryPrice:   req.EntryPrice,
		CreatedAtMs:  time.Now().UnixMilli(),
	}

	if err := s.coordinator.AddPlan(plan, nil); err != nil {
		logging.PlanContext(s.log, plan.ID, plan.InstrumentID).WithError(err).Warn("plan admission rejected")
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	successResponse(c, gin.H{"plan_id": plan.ID})
}

func (s *Server) handleListSignals(c *gin.Context) {
	planID := c.Param("planID")
	sigs, err := s.store.ListByPlan(planID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, sigs)
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"success": false, "message": message})
}
