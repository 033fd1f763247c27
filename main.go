package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"realmnet/auth"
	"realmnet/config"
	"realmnet/logging"
	"realmnet/server"
	"realmnet/store"
)

// realmnet 入口：启动 HTTP + WebSocket 服务，运行世界 Tick 与持久化循环
func main() {
	var (
		addr      = flag.String("addr", "", "server listen address, e.g. :8787 (env REALM_ADDR)")
		dbPath    = flag.String("db", "", "sqlite database path (env REALM_DB)")
		logFile   = flag.String("log", "", "rolling log file (env REALM_LOG)")
		debug     = flag.Bool("debug", false, "debug logging")
		tickHz    = flag.Float64("tick-hz", 0, "simulation tick frequency")
		noAuth    = flag.Bool("no-auth", false, "skip token validation; the token names the account")
		permitAll = flag.Bool("permissive-ownership", false, "allow logging into characters owned by other accounts")
	)
	flag.Parse()

	var o config.Overrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			o.Addr = addr
		case "db":
			o.DatabasePath = dbPath
		case "log":
			o.LogFile = logFile
		case "debug":
			o.Debug = debug
		case "tick-hz":
			o.TickHz = tickHz
		case "no-auth":
			authMode := !*noAuth
			o.AuthMode = &authMode
		case "permissive-ownership":
			enforce := !*permitAll
			o.EnforceOwnership = &enforce
		}
	})
	cfg, err := config.Load(o)
	if err != nil {
		panic(err)
	}

	// 使用第三方 zap 日志库写入滚动日志文件
	if err := logging.InitLogger(cfg.LogFile, cfg.Debug); err != nil {
		panic(err)
	}
	defer logging.SyncLogger()
	log := logging.Log

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	var authenticator auth.Authenticator = auth.PseudoAuthenticator{}
	if cfg.AuthMode {
		jwtAuth, err := auth.NewJWTAuthenticator(cfg.AuthSecret)
		if err != nil {
			log.Fatalf("auth: %v", err)
		}
		authenticator = jwtAuth
	} else {
		log.Warn("authentication disabled; bearer tokens are taken as profile names")
	}

	srv := server.New(cfg, st, authenticator)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Errorf("world loops: %v", err)
		}
	}()

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Routes()}
	go func() {
		log.Infof("realmnet listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）：先断开玩家并写回位置，再关闭 HTTP
	<-ctx.Done()
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	_ = httpSrv.Shutdown(shutdownCtx)
}
