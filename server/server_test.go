package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"realmnet/auth"
	"realmnet/config"
	"realmnet/pipeline"
	"realmnet/protocol"
	"realmnet/store"
)

type harness struct {
	srv   *Server
	store *store.Store
	http  *httptest.Server
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	return newHarnessWithStore(t, mutate, nil)
}

// newHarnessWithStore wrap 非空时用它包装真实的 sqlite 存储
func newHarnessWithStore(t *testing.T, mutate func(*config.Config), wrap func(*store.Store) Store) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.TickHz = 20
	cfg.DatabaseSyncHz = 1
	if mutate != nil {
		mutate(cfg)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "realm.db"))
	require.NoError(t, err)

	var backend Store = st
	if wrap != nil {
		backend = wrap(st)
	}
	srv := New(cfg, backend, auth.PseudoAuthenticator{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Run(ctx) }()
	ts := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
		cancel()
		ts.Close()
		_ = st.Close()
	})
	return &harness{srv: srv, store: st, http: ts}
}

type testClient struct {
	t   *testing.T
	ws  *websocket.Conn
	dec *protocol.Decoder
}

func (h *harness) dial(t *testing.T, token string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: t, ws: ws, dec: protocol.NewDecoder(0)}
}

func (c *testClient) send(ev pipeline.Packeter) {
	c.t.Helper()
	p, err := ev.Packet()
	require.NoError(c.t, err)
	frame, err := protocol.Encode(p)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.BinaryMessage, frame))
}

func (c *testClient) next() protocol.Packet {
	c.t.Helper()
	for {
		p, err := c.dec.Next()
		if err == nil {
			return p
		}
		require.ErrorIs(c.t, err, protocol.ErrIncompleteFrame)
		require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err)
		c.dec.Feed(data)
	}
}

// expect 跳过期间到达的 GAMESTATE 快照
func (c *testClient) expect(typ protocol.PacketType) protocol.Packet {
	c.t.Helper()
	for {
		p := c.next()
		if p.Type == typ {
			return p
		}
		require.Equal(c.t, protocol.PacketGameState, p.Type, "unexpected %s", p)
	}
}

func (c *testClient) session(cmd protocol.SessionCommand) protocol.SessionEvent {
	c.t.Helper()
	ev, err := protocol.ParseSessionEvent(c.expect(protocol.PacketSession).Payload)
	require.NoError(c.t, err)
	require.Equal(c.t, cmd, ev.Command)
	return ev
}

func (c *testClient) rejection() *protocol.ErrorEvent {
	c.t.Helper()
	ev, err := protocol.ParseErrorEvent(c.expect(protocol.PacketError).Payload)
	require.NoError(c.t, err)
	return ev
}

// gameState 等待满足条件的快照
func (c *testClient) gameState(match func(protocol.GameState) bool) protocol.GameState {
	c.t.Helper()
	for {
		p := c.expect(protocol.PacketGameState)
		gs, err := protocol.ParseGameState(p.Payload)
		require.NoError(c.t, err)
		if match(gs) {
			return gs
		}
	}
}

func (c *testClient) scope() []string {
	c.t.Helper()
	c.send(protocol.NewSessionEvent(protocol.CommandScope))
	var scope protocol.Scope
	ok, err := c.session(protocol.CommandScope).Arg(protocol.ArgScope, &scope)
	require.NoError(c.t, err)
	require.True(c.t, ok)
	return scope.Characters
}

func (c *testClient) login(id string) protocol.Character {
	c.t.Helper()
	c.send(protocol.NewSessionEvent(protocol.CommandLogin).With(protocol.ArgCharacterUUID, id))
	var character protocol.Character
	ok, err := c.session(protocol.CommandLogin).Arg(protocol.ArgCharacter, &character)
	require.NoError(c.t, err)
	require.True(c.t, ok)
	return character
}

func (c *testClient) move(x, y float64) {
	c.send(protocol.MovementEvent{Keys: protocol.MapKeys(protocol.KeyRight), Position: protocol.Vec2{X: x, Y: y}})
}

func TestHandshakeRequiresBearerToken(t *testing.T) {
	h := newHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
}

func TestNewAccountGetsStarterCharacter(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "alice")
	ids := c.scope()
	require.Len(t, ids, 1)

	// 重连不会再创建
	c2 := h.dial(t, "alice")
	require.Equal(t, ids, c2.scope())
}

func TestLoginStartsFilteredBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "alice")
	id := c.scope()[0]

	start := time.Now()
	character := c.login(id)
	require.Equal(t, id, character.UUID)
	require.Equal(t, store.DefaultMapID, character.Location.MapID)

	gs := c.gameState(func(protocol.GameState) bool { return true })
	require.Less(t, time.Since(start), time.Second)
	require.Contains(t, gs.PlayerStates, id)
	require.Equal(t, store.DefaultMapID, gs.PlayerStates[id].MapID)
	require.GreaterOrEqual(t, gs.DeltaTime, 1.0/20)
	require.Equal(t, 1, h.srv.World().Len())
}

func TestDoubleLoginIsConflict(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "alice")
	id := c.scope()[0]
	c.login(id)
	c.move(7, 8)
	require.Eventually(t, func() bool {
		return h.srv.World().States()[id].Position == protocol.Vec2{X: 7, Y: 8}
	}, time.Second, 5*time.Millisecond)

	c.send(protocol.NewSessionEvent(protocol.CommandLogin).With(protocol.ArgCharacterUUID, id))
	rej := c.rejection()
	require.Equal(t, protocol.ErrorConflict, rej.Code)
	require.Equal(t, "Currently logged in", rej.Message)
	require.Contains(t, rej.FailedAction, "LOGIN")

	// 原有状态不受影响
	require.Equal(t, 1, h.srv.World().Len())
	require.Equal(t, protocol.Vec2{X: 7, Y: 8}, h.srv.World().States()[id].Position)
}

func TestSameCharacterOnTwoConnections(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial(t, "alice")
	id := a.scope()[0]
	a.login(id)

	b := h.dial(t, "alice")
	b.send(protocol.NewSessionEvent(protocol.CommandLogin).With(protocol.ArgCharacterUUID, id))
	rej := b.rejection()
	require.Equal(t, protocol.ErrorConflict, rej.Code)
	require.Equal(t, "Character already in play", rej.Message)
}

func TestCharactersSharedAcrossConnections(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.MaxCharacters = 3 })
	a := h.dial(t, "alice")
	starter := a.scope()[0]
	b := h.dial(t, "alice")

	b.send(protocol.NewSessionEvent(protocol.CommandCreate).
		With(protocol.ArgCharacterAttributes, protocol.CharacterAttributes{Name: "Hero"}).
		With(protocol.ArgCharacterProperties, map[string]any{}))
	var heroID string
	_, err := b.session(protocol.CommandCreate).Arg(protocol.ArgCharacterUUID, &heroID)
	require.NoError(t, err)

	// 另一条连接创建的角色对本连接可见且可登录
	require.Equal(t, []string{starter, heroID}, a.scope())
	require.Equal(t, heroID, a.login(heroID).UUID)
	a.send(protocol.NewSessionEvent(protocol.CommandLogout))
	a.session(protocol.CommandLogout)

	b.send(protocol.NewSessionEvent(protocol.CommandDelete).With(protocol.ArgCharacterUUID, heroID))
	b.session(protocol.CommandDelete)

	require.Equal(t, []string{starter}, a.scope())
	a.send(protocol.NewSessionEvent(protocol.CommandLogin).With(protocol.ArgCharacterUUID, heroID))
	require.Equal(t, protocol.ErrorAuthorization, a.rejection().Code)
}

// staleChecks 让创建前的检查总是通过，模拟检查与插入之间的并发创建
type staleChecks struct {
	Store
}

func (staleChecks) AtCharacterCap(context.Context, int64) (bool, error) { return false, nil }
func (staleChecks) NameExists(context.Context, string) (bool, error) { return false, nil }

func TestCreateRaceIsReportedAsDomainError(t *testing.T) {
	h := newHarnessWithStore(t, func(cfg *config.Config) { cfg.MaxCharacters = 3 },
		func(st *store.Store) Store { return staleChecks{Store: st} })
	c := h.dial(t, "alice")
	c.scope()

	create := func(name string) {
		c.send(protocol.NewSessionEvent(protocol.CommandCreate).
			With(protocol.ArgCharacterAttributes, protocol.CharacterAttributes{Name: name}).
			With(protocol.ArgCharacterProperties, map[string]any{}))
	}
	create("Hero")
	c.session(protocol.CommandCreate)

	create("Hero")
	rej := c.rejection()
	require.Equal(t, protocol.ErrorReserved, rej.Code)
	require.Equal(t, "Character name already taken", rej.Message)

	create("Sidekick")
	c.session(protocol.CommandCreate)

	create("Extra")
	rej = c.rejection()
	require.Equal(t, protocol.ErrorOutOfBounds, rej.Code)
	require.Equal(t, "Character limit reached", rej.Message)
	require.Len(t, c.scope(), 3)
}

func TestLogoutPersistsFinalPosition(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "alice")
	id := c.scope()[0]
	c.login(id)

	c.move(12, 34)
	c.move(56, 78)
	c.send(protocol.NewSessionEvent(protocol.CommandLogout))
	c.session(protocol.CommandLogout)
	require.Equal(t, 0, h.srv.World().Len())

	saved, err := h.store.LoadCharacter(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, protocol.Location{MapID: 1, X: 56, Y: 78}, saved.Location)

	// 重新登录从持久化位置开始
	character := c.login(id)
	require.Equal(t, 56.0, character.Location.X)
	require.Equal(t, protocol.Vec2{X: 56, Y: 78}, h.srv.World().States()[id].Position)
}

func TestDisconnectDespawnsAndPersists(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "alice")
	id := c.scope()[0]
	c.login(id)
	c.move(-5, 9)
	require.Eventually(t, func() bool {
		return h.srv.World().States()[id].Position == protocol.Vec2{X: -5, Y: 9}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.ws.Close())
	require.Eventually(t, func() bool {
		return h.srv.World().Len() == 0 && h.srv.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)

	saved, err := h.store.LoadCharacter(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, protocol.Location{MapID: 1, X: -5, Y: 9}, saved.Location)
}

func TestMovementReachesOtherConnection(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial(t, "alice")
	b := h.dial(t, "bob")
	aliceID := a.scope()[0]
	bobID := b.scope()[0]
	a.login(aliceID)
	b.login(bobID)

	a.move(42, 24)
	gs := b.gameState(func(gs protocol.GameState) bool {
		st, ok := gs.PlayerStates[aliceID]
		return ok && st.Position == protocol.Vec2{X: 42, Y: 24}
	})
	require.Contains(t, gs.PlayerStates, bobID)
}

func TestSnapshotsAreFilteredByMap(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.dial(t, "alice")
	b := h.dial(t, "bob")
	aliceID := a.scope()[0]
	bobID := b.scope()[0]

	require.NoError(t, h.store.EnsureMap(ctx, 2, "Elsewhere"))
	require.NoError(t, h.store.SaveLocation(ctx, bobID, protocol.Location{MapID: 2}))

	a.login(aliceID)
	b.login(bobID)
	for i := 0; i < 3; i++ {
		gs := a.gameState(func(protocol.GameState) bool { return true })
		require.NotContains(t, gs.PlayerStates, bobID)
		gs = b.gameState(func(protocol.GameState) bool { return true })
		require.NotContains(t, gs.PlayerStates, aliceID)
		for _, st := range gs.PlayerStates {
			require.Equal(t, 2, st.MapID)
		}
	}
}

func TestSessionRejections(t *testing.T) {
	h := newHarness(t, nil)
	bob := h.dial(t, "bob")
	bobID := bob.scope()[0]
	c := h.dial(t, "alice")

	cases := []struct {
		name    string
		send    pipeline.Packeter
		code    protocol.ErrorCode
		message string
	}{
		{"logout while idle", protocol.NewSessionEvent(protocol.CommandLogout),
			protocol.ErrorConflict, "Currently logged out"},
		{"login without character", protocol.NewSessionEvent(protocol.CommandLogin),
			protocol.ErrorInvalidRequest, `Missing keyword argument: "character_uuid"`},
		{"login foreign character", protocol.NewSessionEvent(protocol.CommandLogin).With(protocol.ArgCharacterUUID, bobID),
			protocol.ErrorAuthorization, `Unauthorized use of keyword argument: "character_uuid"`},
		{"create without attributes", protocol.NewSessionEvent(protocol.CommandCreate).With(protocol.ArgCharacterProperties, map[string]any{}),
			protocol.ErrorInvalidRequest, `Missing keyword argument: "character_attributes"`},
		{"create without properties", protocol.NewSessionEvent(protocol.CommandCreate).With(protocol.ArgCharacterAttributes, protocol.CharacterAttributes{Name: "X"}),
			protocol.ErrorInvalidRequest, `Missing keyword argument: "character_properties"`},
		{"create over cap", protocol.NewSessionEvent(protocol.CommandCreate).
			With(protocol.ArgCharacterAttributes, protocol.CharacterAttributes{Name: "Second"}).
			With(protocol.ArgCharacterProperties, map[string]any{}),
			protocol.ErrorOutOfBounds, "Character limit reached"},
		{"delete without character", protocol.NewSessionEvent(protocol.CommandDelete),
			protocol.ErrorInvalidRequest, `Missing keyword argument: "character_uuid"`},
		{"delete foreign character", protocol.NewSessionEvent(protocol.CommandDelete).With(protocol.ArgCharacterUUID, bobID),
			protocol.ErrorAuthorization, `Unauthorized use of keyword argument: "character_uuid"`},
		{"movement while idle", protocol.MovementEvent{Keys: 1},
			protocol.ErrorConflict, "Currently logged out"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c.t = t
			c.send(tc.send)
			rej := c.rejection()
			require.Equal(t, tc.code, rej.Code)
			require.Equal(t, tc.message, rej.Message)
			require.NotEmpty(t, rej.FailedAction)
		})
	}

	// 拒绝之后会话仍然可用
	c.t = t
	require.Len(t, c.scope(), 1)
	require.Equal(t, 0, h.srv.World().Len())
}

func TestMalformedSessionPayloadIsInvalidRequest(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "alice")
	c.send(rawPacket{protocol.TextPacket(protocol.PacketSession, `{"command": 99}`)})
	rej := c.rejection()
	require.Equal(t, protocol.ErrorInvalidRequest, rej.Code)
	require.Len(t, c.scope(), 1)
}

type rawPacket struct{ p protocol.Packet }

func (r rawPacket) Packet() (protocol.Packet, error) { return r.p, nil }

func TestCreateAndDelete(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.MaxCharacters = 3 })
	c := h.dial(t, "alice")
	starter := c.scope()[0]

	create := protocol.NewSessionEvent(protocol.CommandCreate).
		With(protocol.ArgCharacterAttributes, protocol.CharacterAttributes{Name: "Hero"}).
		With(protocol.ArgCharacterProperties, map[string]any{})
	c.send(create)
	var heroID string
	ok, err := c.session(protocol.CommandCreate).Arg(protocol.ArgCharacterUUID, &heroID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{starter, heroID}, c.scope())

	c.send(create)
	rej := c.rejection()
	require.Equal(t, protocol.ErrorReserved, rej.Code)
	require.Equal(t, "Character name already taken", rej.Message)

	// PLAY 状态下不能创建或删除
	c.login(starter)
	c.send(protocol.NewSessionEvent(protocol.CommandCreate).
		With(protocol.ArgCharacterAttributes, protocol.CharacterAttributes{Name: "Sidekick"}).
		With(protocol.ArgCharacterProperties, map[string]any{}))
	require.Equal(t, protocol.ErrorConflict, c.rejection().Code)
	c.send(protocol.NewSessionEvent(protocol.CommandDelete).With(protocol.ArgCharacterUUID, heroID))
	require.Equal(t, protocol.ErrorConflict, c.rejection().Code)

	c.send(protocol.NewSessionEvent(protocol.CommandLogout))
	c.session(protocol.CommandLogout)

	c.send(protocol.NewSessionEvent(protocol.CommandDelete).With(protocol.ArgCharacterUUID, heroID))
	var deleted string
	_, err = c.session(protocol.CommandDelete).Arg(protocol.ArgCharacterUUID, &deleted)
	require.NoError(t, err)
	require.Equal(t, heroID, deleted)
	require.Equal(t, []string{starter}, c.scope())

	_, err = h.store.LoadCharacter(context.Background(), heroID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOwnershipCheckCanBeDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.EnforceOwnership = false })
	bob := h.dial(t, "bob")
	bobID := bob.scope()[0]

	alice := h.dial(t, "alice")
	character := alice.login(bobID)
	require.Equal(t, bobID, character.UUID)

	// bob 自己再登录则冲突
	bob.send(protocol.NewSessionEvent(protocol.CommandLogin).With(protocol.ArgCharacterUUID, bobID))
	require.Equal(t, protocol.ErrorConflict, bob.rejection().Code)
}

func TestMaxStepDistance(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.MaxStepDistance = 50 })
	c := h.dial(t, "alice")
	id := c.scope()[0]
	c.login(id)

	c.move(1000, 0)
	rej := c.rejection()
	require.Equal(t, protocol.ErrorOutOfBounds, rej.Code)
	require.Equal(t, protocol.NatureAbuse, rej.Nature)
	require.Equal(t, protocol.Vec2{}, h.srv.World().States()[id].Position)
}

func TestAdminConfig(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Post(h.http.URL+"/admin/config", "application/json",
		bytes.NewBufferString(`{"enforceOwnership": false, "maxStepDistance": 25}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, h.srv.Rules().EnforceOwnership())
	require.Equal(t, 25.0, h.srv.Rules().MaxStepDistance())

	resp, err = http.Get(h.http.URL + "/admin/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got struct {
		EnforceOwnership bool    `json:"enforceOwnership"`
		MaxStepDistance  float64 `json:"maxStepDistance"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.False(t, got.EnforceOwnership)
	require.Equal(t, 25.0, got.MaxStepDistance)

	resp2, err := http.Post(h.http.URL+"/admin/config", "application/json", bytes.NewBufferString(`{"maxStepDistance": -1}`))
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "alice")
	c.login(c.scope()[0])

	resp, err := http.Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got struct {
		Connections int            `json:"connections"`
		Players     int            `json:"players"`
		Metrics     map[string]any `json:"metrics"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, 1, got.Connections)
	require.Equal(t, 1, got.Players)
	require.NotZero(t, got.Metrics["packets_in"])
}

func TestPersistenceLoopSavesLivePositions(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.DatabaseSyncHz = 20 })
	c := h.dial(t, "alice")
	id := c.scope()[0]
	c.login(id)
	c.move(3, 3)

	require.Eventually(t, func() bool {
		saved, err := h.store.LoadCharacter(context.Background(), id)
		return err == nil && saved.Location.X == 3 && saved.Location.Y == 3
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, h.srv.World().Len())
}

type failingStore struct {
	Store
	fail error
}

func (f failingStore) SaveLocation(context.Context, string, protocol.Location) error { return f.fail }

func TestPersistenceFailuresAreNotFatal(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "realm.db"))
	require.NoError(t, err)
	defer st.Close()
	cfg := config.Default()
	srv := New(cfg, failingStore{Store: st, fail: errors.New("disk full")}, auth.PseudoAuthenticator{})

	_, err = srv.World().Spawn("c1", "a", protocol.Location{MapID: 1}, 200, time.Now())
	require.NoError(t, err)
	srv.syncAll(context.Background())
	require.EqualValues(t, 1, srv.Metrics().Snapshot()["persist_failures"])
	require.Equal(t, 1, srv.World().Len())
}

func TestHubRefusesRegistrationAfterCloseAll(t *testing.T) {
	h := NewHub()
	first := pipeline.NewConn("c1", &closedTransport{})
	require.NoError(t, h.Register(first))
	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Unregister(first)
	}()
	require.NoError(t, h.CloseAll(context.Background()))

	require.ErrorIs(t, h.Register(pipeline.NewConn("c2", &closedTransport{})), ErrHubClosed)
	require.Zero(t, h.Count())
}

// closedTransport 读写都立即失败
type closedTransport struct{}

func (*closedTransport) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("closed") }
func (*closedTransport) WriteMessage(int, []byte) error { return errors.New("closed") }
func (*closedTransport) Close() error { return nil }
