// Package httpapi is the read-only admin HTTP surface (A2): health, open
// positions, account snapshot, and Prometheus metrics. It never issues a
// broker command and holds no component by a mutating interface; every
// handler is a plain read against whatever store it was handed.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"marginctl/internal/domain"
	"marginctl/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PositionsReader is the read-only view of the position store the server exposes.
type PositionsReader interface {
	AllPositions() []domain.Position
	TotalProfit() float64
	ActiveGroupIDs() []string
}

// AccountReader reads the latest account snapshot.
type AccountReader interface {
	GetAccountInfo(ctx context.Context) (domain.AccountSnapshot, error)
}

// Server is the A2 admin HTTP server.
type Server struct {
	addr   string
	router *gin.Engine
}

// Config describes the server's dependencies.
type Config struct {
	Addr      string
	Positions PositionsReader
	Account   AccountReader
}

var (
	openPositionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marginctl_open_positions",
		Help: "Number of currently open positions.",
	})
	activeGroupsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marginctl_active_groups",
		Help: "Number of scaling groups that have not yet completed.",
	})
	totalProfitGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marginctl_total_profit",
		Help: "Sum of floating profit across every open position.",
	})
)

func init() {
	prometheus.MustRegister(openPositionsGauge, activeGroupsGauge, totalProfitGauge)
}

// New builds a Server. It returns an error when Positions or Account is
// nil, the same way the teacher's live HTTP server rejects a ServerConfig
// with nothing to serve.
func New(cfg Config) (*Server, error) {
	if cfg.Positions == nil || cfg.Account == nil {
		return nil, errors.New("httpapi: Positions and Account are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9990"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{addr: cfg.Addr, router: router}
	router.GET("/health", s.handleHealth)
	router.GET("/positions", cfg.handlePositions)
	router.GET("/account", cfg.handleAccount)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("httpapi: %s %s status=%d dur=%s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (cfg Config) handlePositions(c *gin.Context) {
	positions := cfg.Positions.AllPositions()
	openPositionsGauge.Set(float64(len(positions)))
	activeGroupsGauge.Set(float64(len(cfg.Positions.ActiveGroupIDs())))
	totalProfitGauge.Set(cfg.Positions.TotalProfit())
	c.JSON(http.StatusOK, gin.H{
		"positions":     positions,
		"total_profit":  cfg.Positions.TotalProfit(),
		"active_groups": cfg.Positions.ActiveGroupIDs(),
	})
}

func (cfg Config) handleAccount(c *gin.Context) {
	account, err := cfg.Account.GetAccountInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, account)
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start runs the server until ctx is cancelled or ListenAndServe fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
