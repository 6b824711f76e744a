package protocol_test

import (
	"bytes"
	"testing"

	"github.com/koopa0/system-design/mw-server/internal/protocol"
	apperrors "github.com/koopa0/system-design/mw-server/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allVariants() []protocol.Message {
	v := protocol.Vec3{X: 1.5, Y: -2, Z: 100.25}
	return []protocol.Message{
		protocol.Ping{},
		protocol.Disconnect{},
		protocol.LoginRequest{Name: "alice"},
		protocol.LoginRequest{Name: ""},
		protocol.Login{ID: 42, Name: "alice"},
		protocol.ListMatches{},
		protocol.RemoveFromListMatches{},
		protocol.MatchDeleted{},
		protocol.NewMatch{RoomName: "room"},
		protocol.NewMatch{RoomName: ""},
		protocol.DeleteMatch{RoomID: 7},
		protocol.MatchCreated{ID: 1, OwnerID: 0, RoomName: "r"},
		protocol.MatchJoined{ID: 1, UserID: 3, UserName: "bob", RoomName: "r"},
		protocol.MatchLeaved{UserID: 3, UserName: "bob"},
		protocol.JoinMatch{RoomID: -1},
		protocol.LeaveMatch{RoomID: 2147483647},
		protocol.MatchList{Matches: []protocol.MatchEntry{}},
		protocol.MatchList{Matches: []protocol.MatchEntry{{ID: 1, Name: "a", Players: 2}, {ID: 2, Name: "", Players: 0}}},
		protocol.StartMatch{RoomID: 1, Map: "dust"},
		protocol.SpawnPlayers{RoomID: 1, Positions: []protocol.Vec3{}},
		protocol.SpawnPlayers{RoomID: 1, Positions: []protocol.Vec3{v, {}}},
		protocol.SpawnRemoteObject{ID: 1, ObjectID: 9, Position: v, Rotation: protocol.Vec3{Z: 90}},
		protocol.DespawnRemoteObject{ID: 1, ObjectID: 9},
		protocol.RemoteObjectCall{ID: 2, ObjectID: 5, Method: "fire", Params: []protocol.Value{}, Broadcast: true},
		protocol.RemoteObjectCall{
			ID: 2, ObjectID: 5, Method: "hit",
			Params: []protocol.Value{
				protocol.StringValue("x"),
				protocol.IntValue(-5),
				protocol.BoolValue(true),
				protocol.FloatValue(0.5),
				protocol.Vector3Value(v),
				protocol.ArrayValue{protocol.NullValue{}, protocol.ArrayValue{}},
				protocol.NullValue{},
			},
			Broadcast: false,
		},
		protocol.RemoteObjectLocation{ID: 1, ObjectID: 2, Position: v, Rotation: v},
		protocol.Spawn{Position: v},
		protocol.ChatMessage{ID: 4, Name: "bob", Text: "héllo"},
		protocol.ChatMessage{},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, m := range allVariants() {
		t.Run(m.Tag().String(), func(t *testing.T) {
			encoded := protocol.Encode(m)

			decoded, err := protocol.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, m, decoded)
			assert.Equal(t, encoded, protocol.Encode(decoded))
		})
	}
}

func TestRoundTrip_Framed(t *testing.T) {
	var stream bytes.Buffer
	for _, m := range allVariants() {
		stream.Write(protocol.EncodeFrame(m))
	}

	fr := protocol.NewFrameReader(&stream, 0)
	for _, want := range allVariants() {
		frame, err := fr.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, protocol.EncodeFrame(want), frame.Raw)

		got, err := frame.Decode()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := fr.ReadFrame()
	assert.True(t, apperrors.IsDisconnected(err))
}

func TestEncode_WireFormat(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
		want []byte
	}{
		{"ping", protocol.Ping{}, []byte{0}},
		{"login request", protocol.LoginRequest{Name: "ab"}, []byte{2, 2, 'a', 'b'}},
		{"zigzag negative", protocol.Login{ID: -1, Name: ""}, []byte{3, 1, 0}},
		{"multi-byte varint", protocol.JoinMatch{RoomID: 300}, []byte{12, 0xd8, 0x04}},
		{"f32 little endian", protocol.Spawn{Position: protocol.Vec3{X: 1}}, []byte{21, 0, 0, 0x80, 0x3f, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"match list tuple", protocol.MatchList{Matches: []protocol.MatchEntry{{ID: 1, Name: "a", Players: 1}}}, []byte{14, 1, 2, 1, 'a', 2}},
		{"bool", protocol.RemoteObjectCall{Params: nil, Broadcast: true}, []byte{19, 0, 0, 0, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, protocol.Encode(tt.msg))
		})
	}
}

func TestEncodeFrame_Prefix(t *testing.T) {
	frame := protocol.EncodeFrame(protocol.LoginRequest{Name: "ab"})
	assert.Equal(t, []byte{0, 0, 0, 4, 2, 2, 'a', 'b'}, frame)
}

func TestEncode_NilAndEmptySlicesMatch(t *testing.T) {
	assert.Equal(t,
		protocol.Encode(protocol.SpawnPlayers{RoomID: 1}),
		protocol.Encode(protocol.SpawnPlayers{RoomID: 1, Positions: []protocol.Vec3{}}))
}

func deeplyNested(depth int) []byte {
	b := []byte{byte(protocol.TagRemoteObjectCall), 0, 0, 0, 1}
	for i := 0; i < depth; i++ {
		b = append(b, byte(protocol.KindArray), 1)
	}
	return append(b, byte(protocol.KindNull), 0)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{99}},
		{"truncated i32", []byte{byte(protocol.TagLogin)}},
		{"truncated string", []byte{byte(protocol.TagLoginRequest), 5, 'a'}},
		{"huge string length", []byte{byte(protocol.TagLoginRequest), 0xff, 0xff, 0xff, 0xff, 0x0f}},
		{"varint overflow", []byte{0xff, 0xff, 0xff, 0xff, 0xff}},
		{"varint too long", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}},
		{"invalid utf8", []byte{byte(protocol.TagLoginRequest), 1, 0xff}},
		{"invalid bool", []byte{byte(protocol.TagRemoteObjectCall), 0, 0, 0, 0, 2}},
		{"trailing bytes", []byte{byte(protocol.TagPing), 0}},
		{"truncated f32", []byte{byte(protocol.TagSpawn), 0, 0}},
		{"huge sequence count", []byte{byte(protocol.TagSpawnPlayers), 0, 0xff, 0xff, 0x03}},
		{"unknown value kind", []byte{byte(protocol.TagRemoteObjectCall), 0, 0, 0, 1, 9, 0}},
		{"nesting too deep", deeplyNested(40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				msg protocol.Message
				err error
			)
			require.NotPanics(t, func() { msg, err = protocol.Decode(tt.data) })
			assert.Nil(t, msg)
			assert.True(t, apperrors.IsMalformed(err), "got %v", err)
		})
	}
}

func TestDecode_NestingWithinLimit(t *testing.T) {
	msg, err := protocol.Decode(deeplyNested(10))
	require.NoError(t, err)

	call, ok := msg.(protocol.RemoteObjectCall)
	require.True(t, ok)
	require.Len(t, call.Params, 1)
	assert.Equal(t, protocol.KindArray, call.Params[0].Kind())
}

func TestDecode_NeverPanics(t *testing.T) {
	seed := protocol.Encode(allVariants()[24])
	for i := range seed {
		for _, b := range []byte{0x00, 0x01, 0x7f, 0x80, 0xff} {
			mutated := append([]byte(nil), seed...)
			mutated[i] = b
			assert.NotPanics(t, func() { _, _ = protocol.Decode(mutated) })
			assert.NotPanics(t, func() { _, _ = protocol.Decode(mutated[:i]) })
		}
	}
}
