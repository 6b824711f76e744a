package session_test

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/mw-server/internal/coordinator"
	"github.com/koopa0/system-design/mw-server/internal/protocol"
	"github.com/koopa0/system-design/mw-server/internal/registry"
	"github.com/koopa0/system-design/mw-server/internal/session"
	apperrors "github.com/koopa0/system-design/mw-server/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeCoordinator 記錄收到的意圖
type fakeCoordinator struct {
	mu      sync.Mutex
	intents []coordinator.Intent
	members map[int32][]int32
	err     error
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{members: make(map[int32][]int32)}
}

func (f *fakeCoordinator) Submit(in coordinator.Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.intents = append(f.intents, in)
	return nil
}

func (f *fakeCoordinator) Members(room int32) ([]int32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[room]
	return append([]int32(nil), m...), ok
}

func (f *fakeCoordinator) submitted() []coordinator.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordinator.Intent(nil), f.intents...)
}

// peer 一個已註冊會話的客戶端，背景讀取所有收到的訊息框
type peer struct {
	id     int32
	server net.Conn
	client net.Conn
	frames chan protocol.Frame
}

func addPeer(t *testing.T, reg *registry.Registry, id, room int32) *peer {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	require.NoError(t, reg.Add(registry.Session{ID: id, RoomID: room, Conn: server, Alive: true}))

	p := &peer{id: id, server: server, client: client, frames: make(chan protocol.Frame, 32)}
	go func() {
		fr := protocol.NewFrameReader(client, 0)
		for {
			f, err := fr.ReadFrame()
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()
	return p
}

func (p *peer) expect(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(time.Second):
		t.Fatalf("session %d: expected a frame", p.id)
		return protocol.Frame{}
	}
}

func (p *peer) expectMessage(t *testing.T) protocol.Message {
	t.Helper()
	msg, err := p.expect(t).Decode()
	require.NoError(t, err)
	return msg
}

func (p *peer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case f := <-p.frames:
		t.Fatalf("session %d: unexpected frame %v", p.id, f.Raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func frameOf(t *testing.T, m protocol.Message) protocol.Frame {
	t.Helper()
	f, err := protocol.NewFrameReader(bytes.NewReader(protocol.EncodeFrame(m)), 0).ReadFrame()
	require.NoError(t, err)
	return f
}

type fixture struct {
	reg   *registry.Registry
	coord *fakeCoordinator
	self  *peer
	h     *session.Handler
}

func newFixture(t *testing.T, room int32, cfg session.Config) *fixture {
	t.Helper()
	reg := registry.New(time.Second, testLogger())
	coord := newFakeCoordinator()
	self := addPeer(t, reg, 0, room)
	return &fixture{
		reg:   reg,
		coord: coord,
		self:  self,
		h:     session.New(0, self.server, reg, coord, cfg, testLogger()),
	}
}

func (f *fixture) handle(t *testing.T, msgs ...protocol.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, f.h.HandleFrame(frameOf(t, m)))
	}
}

// TestHandler_Menu 測試選單狀態的轉換
func TestHandler_Menu(t *testing.T) {
	tests := []struct {
		name       string
		msg        protocol.Message
		wantState  session.State
		wantIntent coordinator.Intent
	}{
		{"list matches", protocol.ListMatches{}, session.Menu, coordinator.ListMatches{SessionID: 0}},
		{"unsubscribe", protocol.RemoveFromListMatches{}, session.Menu, coordinator.Unsubscribe{SessionID: 0}},
		{"join", protocol.JoinMatch{RoomID: 5}, session.MatchClient, coordinator.JoinMatch{SessionID: 0, RoomID: 5}},
		{"create", protocol.NewMatch{RoomName: "r"}, session.MatchHost, coordinator.CreateMatch{SessionID: 0, Name: "r"}},
		{"start is ignored", protocol.StartMatch{RoomID: 1}, session.Menu, nil},
		{"chat is ignored", protocol.ChatMessage{Text: "hi"}, session.Menu, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, registry.NoRoom, session.Config{})
			f.handle(t, tt.msg)

			assert.Equal(t, tt.wantState, f.h.State())
			if tt.wantIntent == nil {
				assert.Empty(t, f.coord.submitted())
			} else {
				assert.Equal(t, []coordinator.Intent{tt.wantIntent}, f.coord.submitted())
			}
		})
	}
}

// TestHandler_Login 測試登入設定名稱並回覆
func TestHandler_Login(t *testing.T) {
	f := newFixture(t, registry.NoRoom, session.Config{})
	f.handle(t, protocol.LoginRequest{Name: "alice"})

	assert.Equal(t, protocol.Login{ID: 0, Name: "alice"}, f.self.expectMessage(t))
	info, _ := f.reg.Find(0)
	assert.Equal(t, "alice", info.Name)
	assert.Equal(t, session.Menu, f.h.State())
}

// TestHandler_MatchClient_Relay 測試房間內原樣轉發
func TestHandler_MatchClient_Relay(t *testing.T) {
	f := newFixture(t, 1, session.Config{})
	mate := addPeer(t, f.reg, 1, 1)
	stranger := addPeer(t, f.reg, 2, 2)
	f.handle(t, protocol.JoinMatch{RoomID: 1})

	loc := frameOf(t, protocol.RemoteObjectLocation{ID: 0, ObjectID: 3, Position: protocol.Vec3{X: 1}})
	require.NoError(t, f.h.HandleFrame(loc))

	assert.Equal(t, loc.Raw, mate.expect(t).Raw)
	stranger.expectNone(t)
	f.self.expectNone(t)
}

// TestHandler_MatchClient_Leave 測試離開房間不轉發
func TestHandler_MatchClient_Leave(t *testing.T) {
	f := newFixture(t, 1, session.Config{})
	mate := addPeer(t, f.reg, 1, 1)
	f.handle(t, protocol.JoinMatch{RoomID: 1}, protocol.LeaveMatch{RoomID: 1})

	assert.Equal(t, session.Menu, f.h.State())
	assert.Equal(t, coordinator.LeaveMatch{SessionID: 0, RoomID: 1}, f.coord.submitted()[1])
	mate.expectNone(t)
}

// TestHandler_RemoteObjectCall 測試遠端呼叫的單播與廣播
func TestHandler_RemoteObjectCall(t *testing.T) {
	for _, host := range []bool{false, true} {
		name := "client"
		if host {
			name = "host"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 1, session.Config{})
			target := addPeer(t, f.reg, 1, 1)
			other := addPeer(t, f.reg, 2, 1)
			if host {
				f.handle(t, protocol.NewMatch{RoomName: "r"})
			} else {
				f.handle(t, protocol.JoinMatch{RoomID: 1})
			}

			unicast := frameOf(t, protocol.RemoteObjectCall{ID: 1, ObjectID: 7, Method: "hit"})
			require.NoError(t, f.h.HandleFrame(unicast))
			assert.Equal(t, unicast.Raw, target.expect(t).Raw)
			other.expectNone(t)

			broadcast := frameOf(t, protocol.RemoteObjectCall{ID: 1, ObjectID: 7, Method: "boom", Broadcast: true})
			require.NoError(t, f.h.HandleFrame(broadcast))
			assert.Equal(t, broadcast.Raw, target.expect(t).Raw)
			assert.Equal(t, broadcast.Raw, other.expect(t).Raw)
		})
	}
}

// TestHandler_MatchHost 測試房主的控制訊息
func TestHandler_MatchHost(t *testing.T) {
	f := newFixture(t, 1, session.Config{})
	mate := addPeer(t, f.reg, 1, 1)
	f.handle(t, protocol.NewMatch{RoomName: "r"}, protocol.StartMatch{RoomID: 1, Map: "dust"})

	assert.Equal(t, session.MatchHost, f.h.State(), "host stays host after start")
	assert.Equal(t, coordinator.StartMatch{SessionID: 0, RoomID: 1, Map: "dust"}, f.coord.submitted()[1])
	mate.expectNone(t)

	chat := frameOf(t, protocol.ChatMessage{ID: 0, Name: "host", Text: "gl"})
	require.NoError(t, f.h.HandleFrame(chat))
	assert.Equal(t, chat.Raw, mate.expect(t).Raw)

	f.handle(t, protocol.DeleteMatch{RoomID: 1})
	assert.Equal(t, session.Menu, f.h.State())
	assert.Equal(t, coordinator.DeleteMatch{SessionID: 0, RoomID: 1}, f.coord.submitted()[2])
	mate.expectNone(t)
}

// TestHandler_SpawnPlayers 測試出生點依加入順序輪流分配
func TestHandler_SpawnPlayers(t *testing.T) {
	f := newFixture(t, 1, session.Config{})
	a := addPeer(t, f.reg, 5, 1)
	b := addPeer(t, f.reg, 3, 1)
	f.coord.members[1] = []int32{0, 5, 3}
	f.handle(t, protocol.NewMatch{RoomName: "r"})

	p0 := protocol.Vec3{X: 1}
	p1 := protocol.Vec3{X: 2}
	f.handle(t, protocol.SpawnPlayers{RoomID: 1, Positions: []protocol.Vec3{p0, p1}})

	assert.Equal(t, protocol.Spawn{Position: p0}, f.self.expectMessage(t))
	assert.Equal(t, protocol.Spawn{Position: p1}, a.expectMessage(t))
	assert.Equal(t, protocol.Spawn{Position: p0}, b.expectMessage(t))
	assert.Equal(t, session.MatchHost, f.h.State())
}

// TestHandler_SpawnPlayers_NoPositions 測試沒有出生點時忽略
func TestHandler_SpawnPlayers_NoPositions(t *testing.T) {
	f := newFixture(t, 1, session.Config{})
	a := addPeer(t, f.reg, 1, 1)
	f.coord.members[1] = []int32{0, 1}
	f.handle(t, protocol.NewMatch{RoomName: "r"}, protocol.SpawnPlayers{RoomID: 1, Positions: []protocol.Vec3{}})

	a.expectNone(t)
	f.self.expectNone(t)
}

// TestHandler_InGame 測試房間開始後進入遊戲狀態
func TestHandler_InGame(t *testing.T) {
	f := newFixture(t, 1, session.Config{})
	mate := addPeer(t, f.reg, 1, 1)
	f.handle(t, protocol.JoinMatch{RoomID: 1})
	require.Equal(t, session.MatchClient, f.h.State())

	f.reg.Update(0, func(s *registry.Session) { s.InGame = true })

	leave := frameOf(t, protocol.LeaveMatch{RoomID: 1})
	require.NoError(t, f.h.HandleFrame(leave))

	assert.Equal(t, session.InGame, f.h.State())
	assert.Equal(t, leave.Raw, mate.expect(t).Raw, "in game every message is relayed")
	assert.Len(t, f.coord.submitted(), 1, "no leave intent")
}

// TestHandler_RelayWithoutRoom 測試沒有房間時不轉發
func TestHandler_RelayWithoutRoom(t *testing.T) {
	f := newFixture(t, registry.NoRoom, session.Config{})
	lonely := addPeer(t, f.reg, 1, registry.NoRoom)
	f.handle(t, protocol.JoinMatch{RoomID: 9})

	f.handle(t, protocol.ChatMessage{Text: "anyone?"})
	lonely.expectNone(t)
}

// TestHandler_Serve_Disconnect 測試斷線時通知協調器
func TestHandler_Serve_Disconnect(t *testing.T) {
	f := newFixture(t, registry.NoRoom, session.Config{})

	done := make(chan error, 1)
	go func() { done <- f.h.Serve(context.Background()) }()

	_, err := f.self.client.Write(protocol.EncodeFrame(protocol.ListMatches{}))
	require.NoError(t, err)
	require.NoError(t, f.self.client.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after disconnect")
	}

	assert.Equal(t, []coordinator.Intent{
		coordinator.ListMatches{SessionID: 0},
		coordinator.Disconnected{SessionID: 0},
	}, f.coord.submitted())
}

// TestHandler_Serve_MalformedPolicy 測試解碼失敗的兩種策略
func TestHandler_Serve_MalformedPolicy(t *testing.T) {
	garbage := protocol.FramePayload([]byte{99})

	t.Run("terminate by default", func(t *testing.T) {
		f := newFixture(t, registry.NoRoom, session.Config{})
		done := make(chan error, 1)
		go func() { done <- f.h.Serve(context.Background()) }()

		_, err := f.self.client.Write(garbage)
		require.NoError(t, err)

		select {
		case err := <-done:
			assert.True(t, apperrors.IsMalformed(err))
		case <-time.After(time.Second):
			t.Fatal("Serve kept running after malformed message")
		}
		assert.Equal(t, []coordinator.Intent{coordinator.Disconnected{SessionID: 0}}, f.coord.submitted())
	})

	t.Run("drop and continue", func(t *testing.T) {
		f := newFixture(t, registry.NoRoom, session.Config{DropMalformed: true})
		done := make(chan error, 1)
		go func() { done <- f.h.Serve(context.Background()) }()

		_, err := f.self.client.Write(garbage)
		require.NoError(t, err)
		_, err = f.self.client.Write(protocol.EncodeFrame(protocol.LoginRequest{Name: "ok"}))
		require.NoError(t, err)

		assert.Equal(t, protocol.Login{ID: 0, Name: "ok"}, f.self.expectMessage(t))

		require.NoError(t, f.self.client.Close())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Serve did not return")
		}
	})
}

// TestHandler_SubmitFailureEndsSession 測試協調器停止時結束會話
func TestHandler_SubmitFailureEndsSession(t *testing.T) {
	f := newFixture(t, registry.NoRoom, session.Config{})
	f.coord.err = apperrors.ErrCoordinatorStopped

	err := f.h.HandleFrame(frameOf(t, protocol.ListMatches{}))
	assert.ErrorIs(t, err, apperrors.ErrCoordinatorStopped)
	assert.Equal(t, session.Menu, f.h.State())
}
