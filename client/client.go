package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"realmnet/logging"
	"realmnet/pipeline"
	"realmnet/protocol"
)

// ErrUnauthorized 服务端拒绝了令牌
var ErrUnauthorized = errors.New("client: unauthorized")

type Config struct {
	// URL 形如 ws://127.0.0.1:8787/ws
	URL   string
	Token string
	// TickHz 移动上报频率，默认 protocol.ClientTickHz
	TickHz       float64
	WriteTimeout time.Duration
}

// Client 与服务端同构的三段式管线，外加命令转发与模拟循环
type Client struct {
	cfg    Config
	state  *SharedState
	dialer *websocket.Dialer
	log    *zap.SugaredLogger

	mu   sync.Mutex
	conn *pipeline.Conn
}

func New(cfg Config, state *SharedState) *Client {
	if cfg.TickHz <= 0 {
		cfg.TickHz = protocol.ClientTickHz
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		state:  state,
		dialer: websocket.DefaultDialer,
		log:    logging.Named("client"),
	}
}

func (c *Client) State() *SharedState { return c.state }

// Dial 建立连接；握手携带 "Authorization: Bearer <token>"
func (c *Client) Dial(ctx context.Context) error {
	header := http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn := pipeline.NewConn(uuid.NewString(), ws,
		pipeline.WithLogger(c.log),
		pipeline.WithWriteTimeout(c.cfg.WriteTimeout),
	)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Infow("connected to game server", "url", c.cfg.URL)
	return nil
}

// Run 阻塞直到连接断开或 ctx 结束
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client: Run before Dial")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.Run(gctx, pipeline.HandlerFunc(c.handlePacket)) })
	g.Go(func() error { return c.forwardCommands(gctx, conn) })
	g.Go(func() error { return c.simulate(gctx, conn) })
	err := g.Wait()
	c.log.Infow("disconnected from game server", "err", err)
	return err
}

func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// forwardCommands 命令队列 → 出站队列
func (c *Client) forwardCommands(ctx context.Context, conn *pipeline.Conn) error {
	for {
		cmd, err := c.state.Commands.Pop(ctx)
		if err != nil {
			return err
		}
		p, err := packetFor(cmd)
		if err != nil {
			c.log.Warnw("dropping command", "err", err)
			continue
		}
		conn.Send(p)
	}
}

// simulate 客户端 tick：本地位置有变化才上报
func (c *Client) simulate(ctx context.Context, conn *pipeline.Conn) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / c.cfg.TickHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ev, ok := c.state.takeMovement(); ok {
				if err := conn.SendEvent(ev); err != nil {
					return err
				}
			}
		}
	}
}

// handlePacket 只更新本地镜像；格式有误的负载记录后忽略
func (c *Client) handlePacket(_ context.Context, p protocol.Packet) error {
	switch p.Type {
	case protocol.PacketGameState:
		gs, err := protocol.ParseGameState(p.Payload)
		if err != nil {
			c.log.Warnw("malformed game state", "err", err)
			return nil
		}
		c.state.applyGameState(gs, time.Now())
	case protocol.PacketSession:
		ev, err := protocol.ParseSessionEvent(p.Payload)
		if err == nil {
			err = c.state.applySession(ev)
		}
		if err != nil {
			c.log.Warnw("malformed session event", "err", err)
			return nil
		}
		c.log.Debugw("session event", "event", ev.String())
	case protocol.PacketError:
		ev, err := protocol.ParseErrorEvent(p.Payload)
		if err != nil {
			c.log.Warnw("malformed error event", "err", err)
			return nil
		}
		c.log.Infow("server rejected request", "code", ev.Code, "message", ev.Message, "action", ev.FailedAction)
		c.state.applyError(ev)
	default:
		c.log.Debugw("ignoring packet", "type", p.Type)
	}
	return nil
}
