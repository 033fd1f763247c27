package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"realmnet/protocol"
)

// pipeTransport 内存传输：incoming 模拟对端写入，written 记录本端发出的帧
type pipeTransport struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{incoming: make(chan []byte, 64), closed: make(chan struct{})}
}

func (p *pipeTransport) ReadMessage() (int, []byte, error) {
	select {
	case b := <-p.incoming:
		return 2, b, nil
	case <-p.closed:
		return 0, nil, io.EOF
	}
}

func (p *pipeTransport) WriteMessage(_ int, data []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), data...))
	return nil
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) packets(t *testing.T) []protocol.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Packet
	for _, frame := range p.written {
		pkt, _, err := protocol.Decode(frame)
		require.NoError(t, err)
		out = append(out, pkt)
	}
	return out
}

func encode(t *testing.T, typ protocol.PacketType, payload string) []byte {
	b, err := protocol.Encode(protocol.TextPacket(typ, payload))
	require.NoError(t, err)
	return b
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	require.Equal(t, 100, q.Len())
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		v, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	require.False(t, ok)
}

func TestQueuePopSuspendsUntilPush(t *testing.T) {
	q := NewQueue[string]()
	got := make(chan string)
	go func() {
		v, err := q.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned from an empty queue")
	case <-time.After(20 * time.Millisecond):
	}
	q.Push("x")
	require.Equal(t, "x", <-got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDispatchPreservesArrivalOrderWhenHandlersSuspend(t *testing.T) {
	tr := newPipeTransport()
	c := NewConn("c1", tr)

	var mu sync.Mutex
	var order []string
	h := HandlerFunc(func(ctx context.Context, p protocol.Packet) error {
		// 第一条消息挂起最久，后续消息仍然必须排在它之后
		if string(p.Payload) == "m1" {
			time.Sleep(30 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, string(p.Payload))
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx, h) }()

	// 三帧拼进一次读取，再拆一帧跨两次读取
	batch := append(append(encode(t, protocol.PacketChat, "m1"), encode(t, protocol.PacketChat, "m2")...), encode(t, protocol.PacketChat, "m3")...)
	tr.incoming <- batch
	m4 := encode(t, protocol.PacketChat, "m4")
	tr.incoming <- m4[:3]
	tr.incoming <- m4[3:]

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"m1", "m2", "m3", "m4"}, order)

	cancel()
	require.ErrorIs(t, <-errc, ErrClosed)
}

func TestSendLoopWritesInOrder(t *testing.T) {
	tr := newPipeTransport()
	c := NewConn("c1", tr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, HandlerFunc(func(context.Context, protocol.Packet) error { return nil })) }()

	for _, s := range []string{"a", "b", "c"} {
		c.Send(protocol.TextPacket(protocol.PacketChat, s))
	}
	require.Eventually(t, func() bool { return len(tr.packets(t)) == 3 }, time.Second, 5*time.Millisecond)
	got := tr.packets(t)
	require.Equal(t, "a", string(got[0].Payload))
	require.Equal(t, "b", string(got[1].Payload))
	require.Equal(t, "c", string(got[2].Payload))
}

func TestTransportErrorCancelsTasks(t *testing.T) {
	tr := newPipeTransport()
	c := NewConn("c1", tr)

	var stopped atomic.Bool
	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, p protocol.Packet) error {
		c.Go(func(ctx context.Context) {
			close(started)
			<-ctx.Done()
			stopped.Store(true)
		})
		return nil
	})

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background(), h) }()
	tr.incoming <- encode(t, protocol.PacketMeta, "{}")
	<-started

	// 对端断开
	_ = tr.Close()
	err := <-errc
	require.Error(t, err)
	require.True(t, stopped.Load(), "background task must finish before Run returns")

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestMalformedFrameIsFatalButDecodedFramesSurvive(t *testing.T) {
	tr := newPipeTransport()
	c := NewConn("c1", tr, WithMaxFrame(16))

	var mu sync.Mutex
	var seen []string
	h := HandlerFunc(func(ctx context.Context, p protocol.Packet) error {
		mu.Lock()
		seen = append(seen, string(p.Payload))
		mu.Unlock()
		return nil
	})
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background(), h) }()

	tr.incoming <- encode(t, protocol.PacketChat, "ok")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	// 声明 256 字节，超过上限
	tr.incoming <- []byte{byte(protocol.PacketChat), 0, 0, 1, 0}

	err := <-errc
	var fe *protocol.FormatError
	require.ErrorAs(t, err, &fe)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"ok"}, seen)
}

func TestTruncatedFrameWaitsForMoreBytes(t *testing.T) {
	tr := newPipeTransport()
	c := NewConn("c1", tr)
	got := make(chan string, 1)
	go func() {
		_ = c.Run(context.Background(), HandlerFunc(func(_ context.Context, p protocol.Packet) error {
			got <- string(p.Payload)
			return nil
		}))
	}()
	defer c.Close()

	frame := encode(t, protocol.PacketChat, "hello")
	tr.incoming <- frame[:7]
	select {
	case <-got:
		t.Fatal("dispatched a truncated frame")
	case <-time.After(20 * time.Millisecond):
	}
	tr.incoming <- frame[7:]
	require.Equal(t, "hello", <-got)
}

// countingObserver 记录观察到的收发次数
type countingObserver struct {
	received, sent, dropped atomic.Int64
}

func (o *countingObserver) PacketReceived(protocol.Packet) { o.received.Add(1) }
func (o *countingObserver) PacketSent(protocol.Packet, int) { o.sent.Add(1) }
func (o *countingObserver) FrameDropped(error) { o.dropped.Add(1) }

func TestUnknownTypeIsSubstituted(t *testing.T) {
	tr := newPipeTransport()
	obs := &countingObserver{}
	c := NewConn("c1", tr, WithObserver(obs))
	got := make(chan protocol.Packet, 1)
	go func() {
		_ = c.Run(context.Background(), HandlerFunc(func(_ context.Context, p protocol.Packet) error {
			got <- p
			return nil
		}))
	}()
	defer c.Close()

	tr.incoming <- []byte{99, 0, 0, 0, 1, 'x'}
	p := <-got
	require.Equal(t, protocol.PacketUnknown, p.Type)
	require.EqualValues(t, 1, obs.received.Load())
	require.Zero(t, obs.dropped.Load())
}

func TestHandlerErrorTearsDown(t *testing.T) {
	tr := newPipeTransport()
	c := NewConn("c1", tr)
	boom := errors.New("boom")
	errc := make(chan error, 1)
	go func() {
		errc <- c.Run(context.Background(), HandlerFunc(func(context.Context, protocol.Packet) error { return boom }))
	}()
	tr.incoming <- encode(t, protocol.PacketChat, "x")
	require.ErrorIs(t, <-errc, boom)
}

func TestGoBeforeRunIsNoop(t *testing.T) {
	c := NewConn("c1", newPipeTransport())
	ran := false
	stop := c.Go(func(context.Context) { ran = true })
	stop()
	require.False(t, ran)
}
