// Package telemetry 进程自带的 HTTP 端点：健康检查、/metrics、分配与参考价的只读视图。
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/internal/quotes/orchestrator"
	"quotefeed.com/pkg/common"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/middleware"
)

const (
	codeNotFound    = 1004040
	codeUnavailable = 1005030
)

var (
	promOnce sync.Once
	prom     *ginprom.Prometheus
)

// 同一进程里 collector 只能注册一次
func metricsMiddleware() *ginprom.Prometheus {
	promOnce.Do(func() { prom = ginprom.NewPrometheus("quotefeed") })
	return prom
}

type Config struct {
	Addr  string `mapstructure:"addr"`
	Pprof bool   `mapstructure:"pprof"`
}

// Snapshotter orchestrator.Orchestrator 满足
type Snapshotter interface {
	Snapshot() orchestrator.Snapshot
}

// RefLookup refprice.Cache 满足
type RefLookup interface {
	Get(symbol string) (decimal.Decimal, bool)
	Len() int
	UpdatedAt() time.Time
}

// HealthFunc 返回 error 表示不健康
type HealthFunc func(ctx context.Context) error

type Server struct {
	cfg    Config
	engine *gin.Engine

	mu     sync.RWMutex
	checks map[string]HealthFunc
}

func New(cfg Config) *Server {
	r := gin.New()
	metricsMiddleware().Use(r)
	r.Use(middleware.ReqId(), middleware.Recover())

	s := &Server{cfg: cfg, engine: r, checks: map[string]HealthFunc{}}
	r.GET("/healthz", s.health)
	if cfg.Pprof {
		r.GET("/debug/pprof/*name", gin.WrapF(servePprof))
	}
	return s
}

// servePprof profile 默认采 30s，会超过 WriteTimeout，调用方带 ?seconds= 缩短
func servePprof(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimPrefix(r.URL.Path, "/debug/pprof/") {
	case "cmdline":
		pprof.Cmdline(w, r)
	case "profile":
		pprof.Profile(w, r)
	case "symbol":
		pprof.Symbol(w, r)
	case "trace":
		pprof.Trace(w, r)
	default:
		pprof.Index(w, r)
	}
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) AddCheck(name string, fn HealthFunc) {
	s.mu.Lock()
	s.checks[name] = fn
	s.mu.Unlock()
}

// WithOrchestrator ingest 进程的分配视图
func (s *Server) WithOrchestrator(o Snapshotter) *Server {
	v1 := s.engine.Group("/v1")
	v1.GET("/assignment", func(c *gin.Context) {
		snap := o.Snapshot()
		common.Success(c, gin.H{
			"assignment":  snap.Assignment,
			"assigned":    snap.Assignment.Total(),
			"unassigned":  len(snap.Unassigned),
			"instruments": snap.Instruments,
			"updated_at":  snap.UpdatedAt,
		})
	})
	v1.GET("/adapters", func(c *gin.Context) {
		common.Success(c, o.Snapshot().Providers)
	})
	v1.GET("/unassigned", func(c *gin.Context) {
		un := o.Snapshot().Unassigned
		if un == nil {
			un = []model.Instrument{}
		}
		common.Success(c, un)
	})
	return s
}

// WithRefPrices relay 进程的参考价查询
func (s *Server) WithRefPrices(refs RefLookup) *Server {
	s.engine.GET("/v1/refprices/:symbol", func(c *gin.Context) {
		sym := model.NormalizeSymbol(c.Param("symbol"))
		p, ok := refs.Get(sym)
		if !ok {
			common.FailLogged(c, http.StatusNotFound, codeNotFound, "no reference price",
				fmt.Errorf("symbol %s not in snapshot of %d", sym, refs.Len()))
			return
		}
		common.Success(c, gin.H{"symbol": sym, "reference_price": p, "snapshot_at": refs.UpdatedAt()})
	})
	s.AddCheck("refprices", func(context.Context) error {
		if refs.Len() == 0 {
			return errors.New("reference price snapshot empty")
		}
		return nil
	})
	return s
}

func (s *Server) health(c *gin.Context) {
	s.mu.RLock()
	checks := make(map[string]HealthFunc, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	var errs []error
	for name, fn := range checks {
		if err := fn(ctx); err != nil {
			failed[name] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(failed) > 0 {
		common.FailLoggedData(c, http.StatusServiceUnavailable, codeUnavailable, "unhealthy", errors.Join(errs...), failed)
		return
	}
	common.Success(c, gin.H{"status": "ok"})
}

// Run 阻塞直到 ctx 取消，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:           s.cfg.Addr,
		Handler:        s.engine,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "telemetry http listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
