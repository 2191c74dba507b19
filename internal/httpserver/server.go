package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kenyadata/gdpetl/internal/dag"
	"github.com/kenyadata/gdpetl/internal/metadb"
	"github.com/kenyadata/gdpetl/internal/model"
	"github.com/kenyadata/gdpetl/internal/pipeline"
)

// Auth backends.
const (
	AuthNone  = "none"
	AuthBasic = "basic"
)

const userKey = "gdpetl.user"

// DAGController exposes the loaded DAGs and manual triggering.
type DAGController interface {
	DAGs() *dag.Set
	NextRun(name string) time.Time
	Running(name string) bool
	Trigger(name string) error
}

// Config configures the HTTP API.
type Config struct {
	Addr        string
	AuthBackend string
}

// Server provides the HTTP API for DAGs, runs and the warehouse.
type Server struct {
	cfg       Config
	warehouse model.SchemaQuerier
	runs      model.RunStore
	users     model.UserStore
	dags      DAGController
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg Config, warehouse model.SchemaQuerier, runs model.RunStore, users model.UserStore, dags DAGController) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:8080"
	}
	if cfg.AuthBackend == "" {
		cfg.AuthBackend = AuthNone
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		warehouse: warehouse,
		runs:      runs,
		users:     users,
		dags:      dags,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)

	api := r.Group("/api")
	if s.cfg.AuthBackend == AuthBasic {
		api.Use(s.basicAuth)
	}
	api.GET("/dags", s.handleListDAGs)
	api.GET("/dags/:name", s.handleGetDAG)
	api.POST("/dags/:name/trigger", requireRole(model.RoleAdmin), s.handleTrigger)
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:id", s.handleGetRun)
	api.GET("/schema", s.handleSchema)
	api.POST("/query", s.handleQuery)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	log.Printf("httpserver: listening on %s (auth=%s)", listener.Addr(), s.cfg.AuthBackend)

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) basicAuth(c *gin.Context) {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		c.Header("WWW-Authenticate", `Basic realm="gdpetl"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	u, err := s.users.Authenticate(c.Request.Context(), username, password)
	if errors.Is(err, metadb.ErrInvalidCredentials) {
		c.Header("WWW-Authenticate", `Basic realm="gdpetl"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to check credentials"})
		return
	}
	c.Set(userKey, u)
	c.Next()
}

// requireRole rejects authenticated users without role. Requests are let
// through when no auth backend put a user on the context.
func requireRole(role model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(userKey)
		if !ok {
			c.Next()
			return
		}
		if u := v.(*model.User); u.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("requires %s role", role)})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	last, err := s.runs.LastRun(c.Request.Context(), "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).String(),
		"dag_count": s.dags.DAGs().Len(),
		"last_run":  last,
	})
}

type dagView struct {
	*dag.Definition
	NextRun *time.Time `json:"next_run,omitempty"`
	Running bool       `json:"running"`
	LastRun *model.Run `json:"last_run"`
}

func (s *Server) describeDAG(ctx context.Context, d *dag.Definition) (dagView, error) {
	v := dagView{Definition: d, Running: s.dags.Running(d.Name)}
	if next := s.dags.NextRun(d.Name); !next.IsZero() {
		v.NextRun = &next
	}
	last, err := s.runs.LastRun(ctx, d.Name)
	if err != nil {
		return v, err
	}
	v.LastRun = last
	return v, nil
}

func (s *Server) handleListDAGs(c *gin.Context) {
	defs := s.dags.DAGs().All()
	out := make([]dagView, 0, len(defs))
	for _, d := range defs {
		v, err := s.describeDAG(c.Request.Context(), d)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run history"})
			return
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"dags": out, "count": len(out)})
}

func (s *Server) handleGetDAG(c *gin.Context) {
	d, err := s.dags.DAGs().Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	v, err := s.describeDAG(c.Request.Context(), d)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run history"})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleTrigger(c *gin.Context) {
	name := c.Param("name")
	err := s.dags.Trigger(name)
	switch {
	case errors.Is(err, dag.ErrUnknownDAG):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"dag": name, "status": "queued"})
	}
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), c.Query("dag"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, metadb.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleSchema(c *gin.Context) {
	description := s.warehouse.GetSchemaDescription()

	tables, err := s.warehouse.ExecuteQuery(
		"SELECT table_schema, table_name, column_name, data_type FROM information_schema.columns " +
			"WHERE table_schema NOT IN ('information_schema', 'pg_catalog') " +
			"ORDER BY table_schema, table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}

	schema := make(map[string][]map[string]string)
	for _, row := range tables {
		tableName := fmt.Sprintf("%v", row["table_name"])
		if ts := fmt.Sprintf("%v", row["table_schema"]); ts != "main" {
			tableName = ts + "." + tableName
		}
		schema[tableName] = append(schema[tableName], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	counts, err := s.warehouse.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"description": description,
		"tables":      schema,
		"row_counts":  counts,
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := s.warehouse.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var columns []string
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}
