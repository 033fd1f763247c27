package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realmnet/client"
	"realmnet/logging"
	"realmnet/protocol"
)

// realmbot 无界面客户端：主协程模拟渲染循环，网络管线在独立协程运行
func main() {
	var (
		url      string
		token    string
		fps      int
		duration time.Duration
		debug    bool
	)
	flag.StringVar(&url, "url", "ws://127.0.0.1:8787/ws", "game server websocket url")
	flag.StringVar(&token, "token", os.Getenv("USER"), "bearer token (profile name when server auth is off)")
	flag.IntVar(&fps, "fps", 60, "render loop frequency")
	flag.DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	flag.BoolVar(&debug, "debug", false, "debug logging")
	flag.Parse()

	if err := logging.InitLogger("", debug); err != nil {
		panic(err)
	}
	defer logging.SyncLogger()
	log := logging.Named("realmbot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	state := client.NewSharedState()
	c := client.New(client.Config{URL: url, Token: token}, state)
	if err := c.Dial(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	// 网络侧用独立的 context：渲染退出后还要把 LOGOUT 发出去
	netCtx, netCancel := context.WithCancel(context.Background())
	defer netCancel()
	netDone := make(chan error, 1)
	go func() { netDone <- c.Run(netCtx) }()

	render(ctx, state, fps, log.Infow)
	if !logout(state, 2*time.Second) {
		log.Warnw("logout not confirmed before exit")
	}

	netCancel()
	c.Close()
	if err := <-netDone; err != nil {
		log.Infow("network stopped", "err", err)
	}
}

// render 模拟渲染线程：只通过 SharedState 与网络侧交互
func render(ctx context.Context, state *client.SharedState, fps int, report func(string, ...any)) {
	frame := time.Second / time.Duration(fps)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	// 顺时针绕圈
	pattern := []int{
		protocol.MapKeys(protocol.KeyRight),
		protocol.MapKeys(protocol.KeyDown),
		protocol.MapKeys(protocol.KeyLeft),
		protocol.MapKeys(protocol.KeyUp),
	}
	state.Post(client.Scope())
	requested := false
	start := time.Now()
	lastReport := start

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			v := state.View()
			switch {
			case v.Status == client.StatusIdle && !requested && len(v.Scope.Characters) > 0:
				state.Post(client.Login(v.Scope.Characters[0]))
				requested = true
			case v.Status == client.StatusPlay:
				step := int(now.Sub(start)/time.Second) % len(pattern)
				state.Steer(pattern[step], frame.Seconds())
			}
			if now.Sub(lastReport) >= time.Second {
				lastReport = now
				report("frame", "status", v.Status, "players", len(v.GameState.PlayerStates),
					"local", v.LocalPos, "server", v.ServerPos, "server_dt", v.AverageServerDT)
			}
		}
	}
}

// logout 处于 PLAY 时发出 LOGOUT，等待服务端确认回到 IDLE
func logout(state *client.SharedState, wait time.Duration) bool {
	if state.Status() != client.StatusPlay {
		return true
	}
	state.Post(client.Logout())
	deadline := time.After(wait)
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			if state.Status() == client.StatusIdle {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
