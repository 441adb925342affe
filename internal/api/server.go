package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/measctl/internal/agent"
	"github.com/danmuck/measctl/internal/directory"
	"github.com/danmuck/measctl/internal/observability"
	"github.com/danmuck/measctl/internal/trigger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Triggers is the worker surface the API drives.
type Triggers interface {
	Name() string
	Create(params trigger.Params) (uint32, error)
	CreateForTenant(tenantID uuid.UUID, params trigger.Params) (uint32, error)
	Instance(moduleID uint32) (*trigger.Instance, bool)
	Snapshots() []trigger.Snapshot
}

type Tenants interface {
	trigger.TenantDirectory
	List() []directory.TenantInfo
}

type Agents interface {
	Agents() []agent.AgentInfo
}

type Config struct {
	NodeID      string
	CORSOrigins []string
}

type Server struct {
	cfg      Config
	triggers Triggers
	tenants  Tenants
	agents   Agents
	log      zerolog.Logger
	router   *gin.Engine
	started  time.Time
}

func New(cfg Config, triggers Triggers, tenants Tenants, agents Agents, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.HTTPMiddleware(cfg.NodeID, logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		triggers: triggers,
		tenants:  tenants,
		agents:   agents,
		log:      logger,
		router:   r,
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http listener ready")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"node":     s.cfg.NodeID,
			"uptime":   time.Since(s.started).String(),
			"triggers": len(s.triggers.Snapshots()),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.GET("/triggers", s.listTriggers)
	v1.GET("/triggers/:id", s.getTrigger)
	v1.POST("/triggers", s.createTrigger)
	v1.GET("/tenants", s.listTenants)
	v1.POST("/tenants/:tenant_id/triggers", s.createTenantTrigger)
	v1.GET("/agents", s.listAgents)
}

func (s *Server) listTriggers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"triggers": s.triggers.Snapshots()})
}

func (s *Server) getTrigger(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "module id must be a uint32"})
		return
	}
	m, ok := s.triggers.Instance(uint32(id))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

func (s *Server) createTrigger(c *gin.Context) {
	params, ok := s.bindParams(c)
	if !ok {
		return
	}
	id, err := s.triggers.Create(params)
	s.respondCreated(c, id, err)
}

func (s *Server) createTenantTrigger(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant id must be a uuid"})
		return
	}
	if _, ok := s.tenants.Tenant(tenantID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}
	params, ok := s.bindParams(c)
	if !ok {
		return
	}
	id, err := s.triggers.CreateForTenant(tenantID, params)
	s.respondCreated(c, id, err)
}

func (s *Server) listTenants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tenants": s.tenants.List()})
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.agents.Agents()})
}

// bindParams decodes the request body as trigger params. Numbers are kept as
// json.Number so 64-bit IMSIs survive. The worker binding is implied by the
// route and filled in when absent.
func (s *Server) bindParams(c *gin.Context) (trigger.Params, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return nil, false
	}
	params := trigger.Params{}
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a json object"})
			return nil, false
		}
	}
	if _, ok := params[trigger.ParamWorker]; !ok {
		params[trigger.ParamWorker] = s.triggers.Name()
	}
	if _, ok := params[trigger.ParamModuleType]; !ok {
		params[trigger.ParamModuleType] = trigger.ModuleType
	}
	if cb, ok := params[trigger.ParamCallback].(string); ok && strings.TrimSpace(cb) == "" {
		delete(params, trigger.ParamCallback)
	}
	return params, true
}

func (s *Server) respondCreated(c *gin.Context, id uint32, err error) {
	if err != nil {
		var verr *trigger.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": trigger.ErrValidation.Error(), "problems": verr.Problems})
		case errors.Is(err, trigger.ErrConfiguration), errors.Is(err, trigger.ErrWorkerMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create trigger failed"})
		}
		return
	}
	m, ok := s.triggers.Instance(id)
	if !ok {
		c.JSON(http.StatusCreated, gin.H{"module_id": id})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"module_id": id, "trigger": m.Snapshot()})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
