package server

import (
	"context"
	"math"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"realmnet/auth"
	"realmnet/config"
	"realmnet/logging"
	"realmnet/protocol"
	"realmnet/store"
)

// Store 服务端依赖的持久化操作；*store.Store 直接满足
type Store interface {
	EnsureAccount(ctx context.Context, uuid string, maxCharacters int) (store.Account, error)
	ListCharacterIDs(ctx context.Context, accountID int64) ([]string, error)
	LoadCharacter(ctx context.Context, uuid string) (protocol.Character, error)
	SaveLocation(ctx context.Context, uuid string, loc protocol.Location) error
	CreateCharacter(ctx context.Context, accountID int64, name string) (protocol.Character, error)
	NameExists(ctx context.Context, name string) (bool, error)
	AtCharacterCap(ctx context.Context, accountID int64) (bool, error)
	DeleteCharacter(ctx context.Context, uuid string) error
}

// Rules 运行期可热更新的规则（见 /admin/config）
type Rules struct {
	enforceOwnership atomic.Bool
	maxStepBits      atomic.Uint64
}

func (r *Rules) EnforceOwnership() bool { return r.enforceOwnership.Load() }
func (r *Rules) SetEnforceOwnership(v bool) { r.enforceOwnership.Store(v) }

// MaxStepDistance 0 表示不校验
func (r *Rules) MaxStepDistance() float64 { return math.Float64frombits(r.maxStepBits.Load()) }
func (r *Rules) SetMaxStepDistance(v float64) {
	r.maxStepBits.Store(math.Float64bits(v))
}

// Server 单进程权威服务：持有全部连接与唯一一份世界状态
type Server struct {
	cfg     *config.Config
	store   Store
	auth    auth.Authenticator
	world   *World
	hub     *Hub
	metrics *Metrics
	rules   *Rules
	log     *zap.SugaredLogger

	// persistMu 串行化周期持久化与下线持久化，保证最终位置不被旧快照覆盖
	persistMu sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(cfg *config.Config, st Store, a auth.Authenticator) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		store:   st,
		auth:    a,
		world:   NewWorld(cfg.TickPeriod()),
		hub:     NewHub(),
		metrics: &Metrics{},
		rules:   &Rules{},
		log:     logging.Named("server"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.rules.SetEnforceOwnership(cfg.EnforceOwnership)
	s.rules.SetMaxStepDistance(cfg.MaxStepDistance)
	return s
}

func (s *Server) World() *World { return s.world }
func (s *Server) Metrics() *Metrics { return s.metrics }
func (s *Server) Rules() *Rules { return s.rules }
func (s *Server) Connections() int { return s.hub.Count() }

// Routes HTTP 入口：WebSocket 接入、健康检查、管理与监控接口
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/ws", s.HandleWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", s.HandleMetrics)
	r.Route("/admin", func(r chi.Router) {
		r.Get("/config", s.HandleAdminConfig)
		r.Post("/config", s.HandleAdminConfig)
	})
	return r
}

// Run 运行 Tick 循环与持久化循环，直到 ctx 结束。二者独立于任何连接。
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.world.Run(gctx, s.cfg.TickPeriod(), s.metrics)
		return nil
	})
	g.Go(func() error {
		s.runPersistence(gctx)
		return nil
	})
	s.log.Infow("world loops started", "tick_hz", s.cfg.TickHz, "db_sync_hz", s.cfg.DatabaseSyncHz)
	return g.Wait()
}

// Shutdown 关闭全部连接并等待下线持久化完成，最后做一次全量同步
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.hub.CloseAll(ctx)
	s.syncAll(ctx)
	return err
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debugw("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status())
	})
}
