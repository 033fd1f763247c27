package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"realmnet/logging"
	"realmnet/protocol"
)

// ErrClosed 连接已被本端关闭
var ErrClosed = errors.New("pipeline: connection closed")

// Transport 底层消息传输；*websocket.Conn 直接满足
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type pinger interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Handler 分发循环对每个入站包调用一次，严格按到达顺序
type Handler interface {
	HandlePacket(ctx context.Context, p protocol.Packet) error
}

type HandlerFunc func(ctx context.Context, p protocol.Packet) error

func (f HandlerFunc) HandlePacket(ctx context.Context, p protocol.Packet) error { return f(ctx, p) }

// Observer 收发统计钩子（可选）
type Observer interface {
	PacketReceived(p protocol.Packet)
	PacketSent(p protocol.Packet, frameBytes int)
	FrameDropped(err error)
}

// Packeter 可序列化为一帧的事件
type Packeter interface {
	Packet() (protocol.Packet, error)
}

type Option func(*Conn)

func WithLogger(l *zap.SugaredLogger) Option { return func(c *Conn) { c.log = l } }
func WithObserver(o Observer) Option { return func(c *Conn) { c.observer = o } }
func WithWriteTimeout(d time.Duration) Option { return func(c *Conn) { c.writeTimeout = d } }
func WithPingInterval(d time.Duration) Option { return func(c *Conn) { c.pingInterval = d } }
func WithMaxFrame(n uint32) Option { return func(c *Conn) { c.maxFrame = n } }

// Conn 单连接的三段式管线：接收循环、发送循环、分发循环，
// 由入站/出站两条无界队列连接。客户端与服务端共用。
type Conn struct {
	id        string
	transport Transport
	inbound   *Queue[protocol.Packet]
	outbound  *Queue[protocol.Packet]

	log          *zap.SugaredLogger
	observer     Observer
	writeTimeout time.Duration
	pingInterval time.Duration
	maxFrame     uint32

	mu      sync.Mutex
	runCtx  context.Context // Run 期间有效，后台任务从它派生
	cancel  context.CancelFunc
	tasks   sync.WaitGroup
	closed  sync.Once
	done    chan struct{}
	started bool
}

func NewConn(id string, t Transport, opts ...Option) *Conn {
	c := &Conn{
		id:        id,
		transport: t,
		inbound:   NewQueue[protocol.Packet](),
		outbound:  NewQueue[protocol.Packet](),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Named("pipeline")
	}
	c.log = c.log.With("conn", id)
	return c
}

func (c *Conn) ID() string { return c.id }

// Done Run 返回后关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Pending 出站队列积压
func (c *Conn) Pending() int { return c.outbound.Len() }

// Send 压入出站队列（永不阻塞）
func (c *Conn) Send(p protocol.Packet) {
	c.outbound.Push(p)
}

// SendEvent 序列化后压入出站队列
func (c *Conn) SendEvent(e Packeter) error {
	p, err := e.Packet()
	if err != nil {
		return err
	}
	c.Send(p)
	return nil
}

// Go 启动一个连接级后台任务（例如登录后的广播循环）。
// 连接关闭时任务被取消，Run 在返回前等待其退出。
// 返回的 stop 取消任务并等待其结束。连接未运行时任务不会启动。
func (c *Conn) Go(fn func(ctx context.Context)) (stop func()) {
	c.mu.Lock()
	if c.runCtx == nil || c.runCtx.Err() != nil {
		c.mu.Unlock()
		return func() {}
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	c.tasks.Add(1)
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		defer c.tasks.Done()
		defer close(finished)
		fn(ctx)
	}()
	return func() {
		cancel()
		<-finished
	}
}

// Run 运行三个循环直到任一循环出错或 ctx 结束；返回首个错误。
// 返回前关闭底层传输并等待全部后台任务退出。
func (c *Conn) Run(ctx context.Context, h Handler) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("pipeline: Run called twice")
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.runCtx = gctx
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.closeTransport()
		// 保证此后 Go 不会再 Add
		c.mu.Lock()
		c.mu.Unlock()
		c.tasks.Wait()
		close(c.done)
	}()

	g.Go(func() error { return c.receiveLoop(gctx) })
	g.Go(func() error { return c.sendLoop(gctx) })
	g.Go(func() error { return c.dispatchLoop(gctx, h) })
	g.Go(func() error {
		// 阻塞中的 ReadMessage 只能靠关闭传输唤醒
		<-gctx.Done()
		c.closeTransport()
		return nil
	})
	if c.pingInterval > 0 {
		if p, ok := c.transport.(pinger); ok {
			g.Go(func() error { return c.keepalive(gctx, p) })
		}
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = ErrClosed
	}
	return err
}

// Close 取消所有循环；可重复调用
func (c *Conn) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.closeTransport()
}

func (c *Conn) closeTransport() {
	c.closed.Do(func() {
		_ = c.transport.Close()
	})
}

// receiveLoop 读消息 → 增量解码 → 完整帧入队。半帧留在解码器里等待后续字节。
func (c *Conn) receiveLoop(ctx context.Context) error {
	dec := protocol.NewDecoder(c.maxFrame)
	for {
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}
		dec.Feed(data)
		for {
			p, err := dec.Next()
			if errors.Is(err, protocol.ErrIncompleteFrame) {
				break
			}
			var fe *protocol.FormatError
			if errors.As(err, &fe) && fe.UnknownType() {
				// 帧完整，仅类型未知：以 UNKNOWN 交给处理器，不算丢帧
				c.log.Debugw("unknown packet type", "code", fe.Code)
			} else if err != nil {
				if c.observer != nil {
					c.observer.FrameDropped(err)
				}
				return fmt.Errorf("receive: %w", err)
			}
			if c.observer != nil {
				c.observer.PacketReceived(p)
			}
			c.inbound.Push(p)
		}
	}
}

// sendLoop 出站队列为空时挂起
func (c *Conn) sendLoop(ctx context.Context) error {
	for {
		p, err := c.outbound.Pop(ctx)
		if err != nil {
			return err
		}
		frame, err := protocol.Encode(p)
		if err != nil {
			c.log.Errorw("dropping unencodable packet", "type", p.Type, "err", err)
			continue
		}
		if d, ok := c.transport.(writeDeadliner); ok && c.writeTimeout > 0 {
			_ = d.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if err := c.transport.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("send: %w", err)
		}
		if c.observer != nil {
			c.observer.PacketSent(p, len(frame))
		}
	}
}

// dispatchLoop 入站队列的唯一消费者，因此处理顺序即到达顺序
func (c *Conn) dispatchLoop(ctx context.Context, h Handler) error {
	for {
		p, err := c.inbound.Pop(ctx)
		if err != nil {
			return err
		}
		if err := h.HandlePacket(ctx, p); err != nil {
			return fmt.Errorf("dispatch %s: %w", p.Type, err)
		}
	}
}

func (c *Conn) keepalive(ctx context.Context, p pinger) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(c.pingInterval)
			if err := p.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
