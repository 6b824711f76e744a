package relay_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/koopa0/system-design/mw-server/internal/protocol"
	"github.com/koopa0/system-design/mw-server/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func startRelay(t *testing.T, cfg relay.Config) *relay.Relay {
	t.Helper()

	r, err := relay.Listen("127.0.0.1:0", cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return r
}

func dial(t *testing.T, r *relay.Relay) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp", nil, r.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func addrOf(c *net.UDPConn) netip.AddrPort {
	ap := c.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func receive(t *testing.T, c *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := c.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func expectSilence(t *testing.T, c *net.UDPConn) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	n, err := c.Read(buf)
	if err == nil {
		t.Fatalf("unexpected datagram: %x", buf[:n])
	}
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "unexpected error: %v", err)
}

// join 送出握手並讀完 Ping 回覆
func join(t *testing.T, c *net.UDPConn, room int32) {
	t.Helper()
	_, err := c.Write(protocol.Encode(protocol.JoinMatch{RoomID: room}))
	require.NoError(t, err)

	ping := protocol.Encode(protocol.Ping{})
	for i := 0; i < relay.DefaultConfig().PingBurst; i++ {
		assert.Equal(t, ping, receive(t, c))
	}
}

// TestRelay_Handshake 測試 JoinMatch 握手登記地址並回覆 Ping
func TestRelay_Handshake(t *testing.T) {
	r := startRelay(t, relay.Config{})
	c := dial(t, r)

	join(t, c, 1)

	stats := r.Stats()
	assert.Equal(t, 1, stats.Peers)
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, []netip.AddrPort{addrOf(c)}, r.Room(1))
}

// TestRelay_ForwardsToRoomExceptSender 測試轉發給同房間其他成員
func TestRelay_ForwardsToRoomExceptSender(t *testing.T) {
	r := startRelay(t, relay.Config{})

	a, b, c, other := dial(t, r), dial(t, r), dial(t, r), dial(t, r)
	join(t, a, 1)
	join(t, b, 1)
	join(t, c, 1)
	join(t, other, 2)

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	_, err := a.Write(payload)
	require.NoError(t, err)

	assert.Equal(t, payload, receive(t, b))
	assert.Equal(t, payload, receive(t, c))
	expectSilence(t, a)
	expectSilence(t, other)

	assert.Eventually(t, func() bool { return r.Stats().Forwarded == 2 }, time.Second, 5*time.Millisecond)
}

// TestRelay_UnregisteredSenderDropped 測試未登記來源的非握手資料被丟棄
func TestRelay_UnregisteredSenderDropped(t *testing.T) {
	r := startRelay(t, relay.Config{})

	member := dial(t, r)
	join(t, member, 1)

	stranger := dial(t, r)
	_, err := stranger.Write(protocol.Encode(protocol.Ping{}))
	require.NoError(t, err)
	_, err = stranger.Write([]byte{0xff, 0xff})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return r.Stats().Dropped == 2 }, time.Second, 5*time.Millisecond)
	expectSilence(t, member)
	expectSilence(t, stranger)
	assert.Equal(t, 1, r.Stats().Peers)

	// 之後仍可正常握手
	join(t, stranger, 1)
	assert.Equal(t, 2, r.Stats().Peers)
}

// TestRelay_CacheIsNeverPruned 測試已登記地址的後續資料不再解碼
func TestRelay_CacheIsNeverPruned(t *testing.T) {
	r := startRelay(t, relay.Config{})

	a, b := dial(t, r), dial(t, r)
	join(t, a, 1)
	join(t, b, 1)

	// 第二次 JoinMatch 被視為一般資料轉發到原房間
	rejoin := protocol.Encode(protocol.JoinMatch{RoomID: 2})
	_, err := a.Write(rejoin)
	require.NoError(t, err)

	assert.Equal(t, rejoin, receive(t, b))
	expectSilence(t, a)
	assert.Empty(t, r.Room(2))
	assert.Len(t, r.Room(1), 2)
	assert.Equal(t, 2, r.Stats().Peers)
}

// TestRelay_SingleWorkerPreservesOrder 測試單一 worker 依序轉發
func TestRelay_SingleWorkerPreservesOrder(t *testing.T) {
	r := startRelay(t, relay.Config{Workers: 1})

	a, b := dial(t, r), dial(t, r)
	join(t, a, 7)
	join(t, b, 7)

	const n = 20
	for i := 0; i < n; i++ {
		_, err := a.Write([]byte(fmt.Sprintf("packet-%02d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("packet-%02d", i), string(receive(t, b)))
	}
}

// TestRelay_StopsOnCancel 測試取消後停止並釋放連線
func TestRelay_StopsOnCancel(t *testing.T) {
	r, err := relay.Listen("127.0.0.1:0", relay.Config{}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}

	// 連線已關閉，重複關閉不報錯
	assert.NoError(t, r.Close())
}
