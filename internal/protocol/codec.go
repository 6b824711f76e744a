package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	apperrors "github.com/koopa0/system-design/mw-server/pkg/errors"
)

// maxValueDepth ArrayValue 的最大巢狀深度
const maxValueDepth = 32

// encoder 追加式編碼器
type encoder struct {
	buf []byte
}

func (e *encoder) uvarint(v uint32) {
	e.buf = binary.AppendUvarint(e.buf, uint64(v))
}

func (e *encoder) i32(v int32) {
	e.uvarint(uint32(v<<1) ^ uint32(v>>31))
}

func (e *encoder) f32(v float32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(v))
}

func (e *encoder) boolean(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) str(s string) {
	e.uvarint(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) vec3(v Vec3) {
	e.f32(v.X)
	e.f32(v.Y)
	e.f32(v.Z)
}

// Encode 編碼為不含長度前綴的 payload（UDP 使用）
func Encode(m Message) []byte {
	e := &encoder{buf: make([]byte, 0, 16)}
	e.uvarint(uint32(m.Tag()))
	m.encode(e)
	return e.buf
}

func (Ping) encode(*encoder)                  {}
func (Disconnect) encode(*encoder)            {}
func (ListMatches) encode(*encoder)           {}
func (RemoveFromListMatches) encode(*encoder) {}
func (MatchDeleted) encode(*encoder)          {}

func (m LoginRequest) encode(e *encoder) { e.str(m.Name) }
func (m NewMatch) encode(e *encoder)     { e.str(m.RoomName) }
func (m DeleteMatch) encode(e *encoder)  { e.i32(m.RoomID) }
func (m JoinMatch) encode(e *encoder)    { e.i32(m.RoomID) }
func (m LeaveMatch) encode(e *encoder)   { e.i32(m.RoomID) }
func (m Spawn) encode(e *encoder)        { e.vec3(m.Position) }

func (m Login) encode(e *encoder) {
	e.i32(m.ID)
	e.str(m.Name)
}

func (m MatchCreated) encode(e *encoder) {
	e.i32(m.ID)
	e.i32(m.OwnerID)
	e.str(m.RoomName)
}

func (m MatchJoined) encode(e *encoder) {
	e.i32(m.ID)
	e.i32(m.UserID)
	e.str(m.UserName)
	e.str(m.RoomName)
}

func (m MatchLeaved) encode(e *encoder) {
	e.i32(m.UserID)
	e.str(m.UserName)
}

func (m MatchList) encode(e *encoder) {
	e.uvarint(uint32(len(m.Matches)))
	for _, entry := range m.Matches {
		e.i32(entry.ID)
		e.str(entry.Name)
		e.i32(entry.Players)
	}
}

func (m StartMatch) encode(e *encoder) {
	e.i32(m.RoomID)
	e.str(m.Map)
}

func (m SpawnPlayers) encode(e *encoder) {
	e.i32(m.RoomID)
	e.uvarint(uint32(len(m.Positions)))
	for _, p := range m.Positions {
		e.vec3(p)
	}
}

func (m SpawnRemoteObject) encode(e *encoder) {
	e.i32(m.ID)
	e.i32(m.ObjectID)
	e.vec3(m.Position)
	e.vec3(m.Rotation)
}

func (m DespawnRemoteObject) encode(e *encoder) {
	e.i32(m.ID)
	e.i32(m.ObjectID)
}

func (m RemoteObjectCall) encode(e *encoder) {
	e.i32(m.ID)
	e.i32(m.ObjectID)
	e.str(m.Method)
	e.uvarint(uint32(len(m.Params)))
	for _, p := range m.Params {
		e.uvarint(uint32(p.Kind()))
		p.encodeValue(e)
	}
	e.boolean(m.Broadcast)
}

func (m RemoteObjectLocation) encode(e *encoder) {
	e.i32(m.ID)
	e.i32(m.ObjectID)
	e.vec3(m.Position)
	e.vec3(m.Rotation)
}

func (m ChatMessage) encode(e *encoder) {
	e.i32(m.ID)
	e.str(m.Name)
	e.str(m.Text)
}

func (v StringValue) encodeValue(e *encoder)  { e.str(string(v)) }
func (v IntValue) encodeValue(e *encoder)     { e.i32(int32(v)) }
func (v BoolValue) encodeValue(e *encoder)    { e.boolean(bool(v)) }
func (v FloatValue) encodeValue(e *encoder)   { e.f32(float32(v)) }
func (v Vector3Value) encodeValue(e *encoder) { e.vec3(Vec3(v)) }
func (NullValue) encodeValue(*encoder)        {}

func (v ArrayValue) encodeValue(e *encoder) {
	e.uvarint(uint32(len(v)))
	for _, item := range v {
		e.uvarint(uint32(item.Kind()))
		item.encodeValue(e)
	}
}

// decoder 順序讀取器，所有方法在資料不足時返回錯誤
type decoder struct {
	buf []byte
	off int
}

func malformed(format string, args ...any) error {
	return apperrors.ErrMalformedMessage.WithDetails(fmt.Sprintf(format, args...))
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

// uvarint 讀取最多 5 位元組的 u32 varint
func (d *decoder) uvarint() (uint32, error) {
	var v uint32
	for i := 0; i < 5; i++ {
		if d.off >= len(d.buf) {
			return 0, malformed("truncated varint at offset %d", d.off)
		}
		b := d.buf[d.off]
		d.off++
		if i == 4 && b > 0x0f {
			return 0, malformed("varint overflows u32")
		}
		v |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, malformed("varint overflows u32")
}

func (d *decoder) i32() (int32, error) {
	u, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	return int32(u>>1) ^ -int32(u&1), nil
}

func (d *decoder) f32() (float32, error) {
	if d.remaining() < 4 {
		return 0, malformed("truncated f32 at offset %d", d.off)
	}
	bits := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return math.Float32frombits(bits), nil
}

func (d *decoder) boolean() (bool, error) {
	if d.remaining() < 1 {
		return false, malformed("truncated bool at offset %d", d.off)
	}
	b := d.buf[d.off]
	d.off++
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, malformed("invalid bool byte 0x%02x", b)
	}
}

func (d *decoder) str() (string, error) {
	n, err := d.uvarint()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(d.remaining()) {
		return "", malformed("string length %d exceeds %d remaining bytes", n, d.remaining())
	}
	raw := d.buf[d.off : d.off+int(n)]
	if !utf8.Valid(raw) {
		return "", malformed("invalid utf-8 in string at offset %d", d.off)
	}
	d.off += int(n)
	return string(raw), nil
}

func (d *decoder) vec3() (Vec3, error) {
	var v Vec3
	var err error
	if v.X, err = d.f32(); err != nil {
		return v, err
	}
	if v.Y, err = d.f32(); err != nil {
		return v, err
	}
	v.Z, err = d.f32()
	return v, err
}

// count 讀取序列長度（每個元素至少一個位元組，藉此拒絕超大配置）
func (d *decoder) count() (int, error) {
	n, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	if uint64(n) > uint64(d.remaining()) {
		return 0, malformed("sequence length %d exceeds %d remaining bytes", n, d.remaining())
	}
	return int(n), nil
}

// Decode 解碼 payload
//
// 任何無法解析的輸入都返回 ErrMalformedMessage，不會 panic。
func Decode(data []byte) (Message, error) {
	d := &decoder{buf: data}
	tag, err := d.uvarint()
	if err != nil {
		return nil, err
	}

	m, err := d.message(Tag(tag))
	if err != nil {
		return nil, err
	}
	if d.remaining() != 0 {
		return nil, malformed("%d trailing bytes after %s", d.remaining(), Tag(tag))
	}
	return m, nil
}

func (d *decoder) message(tag Tag) (Message, error) {
	var err error
	switch tag {
	case TagPing:
		return Ping{}, nil
	case TagDisconnect:
		return Disconnect{}, nil
	case TagListMatches:
		return ListMatches{}, nil
	case TagRemoveFromListMatches:
		return RemoveFromListMatches{}, nil
	case TagMatchDeleted:
		return MatchDeleted{}, nil

	case TagLoginRequest:
		var m LoginRequest
		m.Name, err = d.str()
		return m, err

	case TagLogin:
		var m Login
		if m.ID, err = d.i32(); err != nil {
			return nil, err
		}
		m.Name, err = d.str()
		return m, err

	case TagNewMatch:
		var m NewMatch
		m.RoomName, err = d.str()
		return m, err

	case TagDeleteMatch:
		var m DeleteMatch
		m.RoomID, err = d.i32()
		return m, err

	case TagMatchCreated:
		var m MatchCreated
		if m.ID, err = d.i32(); err != nil {
			return nil, err
		}
		if m.OwnerID, err = d.i32(); err != nil {
			return nil, err
		}
		m.RoomName, err = d.str()
		return m, err

	case TagMatchJoined:
		var m MatchJoined
		if m.ID, err = d.i32(); err != nil {
			return nil, err
		}
		if m.UserID, err = d.i32(); err != nil {
			return nil, err
		}
		if m.UserName, err = d.str(); err != nil {
			return nil, err
		}
		m.RoomName, err = d.str()
		return m, err

	case TagMatchLeaved:
		var m MatchLeaved
		if m.UserID, err = d.i32(); err != nil {
			return nil, err
		}
		m.UserName, err = d.str()
		return m, err

	case TagJoinMatch:
		var m JoinMatch
		m.RoomID, err = d.i32()
		return m, err

	case TagLeaveMatch:
		var m LeaveMatch
		m.RoomID, err = d.i32()
		return m, err

	case TagMatchList:
		n, err := d.count()
		if err != nil {
			return nil, err
		}
		m := MatchList{Matches: make([]MatchEntry, 0, n)}
		for i := 0; i < n; i++ {
			var entry MatchEntry
			if entry.ID, err = d.i32(); err != nil {
				return nil, err
			}
			if entry.Name, err = d.str(); err != nil {
				return nil, err
			}
			if entry.Players, err = d.i32(); err != nil {
				return nil, err
			}
			m.Matches = append(m.Matches, entry)
		}
		return m, nil

	case TagStartMatch:
		var m StartMatch
		if m.RoomID, err = d.i32(); err != nil {
			return nil, err
		}
		m.Map, err = d.str()
		return m, err

	case TagSpawnPlayers:
		var m SpawnPlayers
		if m.RoomID, err = d.i32(); err != nil {
			return nil, err
		}
		n, err := d.count()
		if err != nil {
			return nil, err
		}
		m.Positions = make([]Vec3, 0, n)
		for i := 0; i < n; i++ {
			p, err := d.vec3()
			if err != nil {
				return nil, err
			}
			m.Positions = append(m.Positions, p)
		}
		return m, nil

	case TagSpawnRemoteObject:
		var m SpawnRemoteObject
		if m.ID, err = d.i32(); err != nil {
			return nil, err
		}
		if m.ObjectID, err = d.i32(); err != nil {
			return nil, err
		}
		if m.Position, err = d.vec3(); err != nil {
			return nil, err
		}
		m.Rotation, err = d.vec3()
		return m, err

	case TagDespawnRemoteObject:
		var m DespawnRemoteObject
		if m.ID, err = d.i32(); err != nil {
			return nil, err
		}
		m.ObjectID, err = d.i32()
		return m, err

	case TagRemoteObjectCall:
		var m RemoteObjectCall
		if m.ID, err = d.i32(); err != nil {
			return nil, err
		}
		if m.ObjectID, err = d.i32(); err != nil {
			return nil, err
		}
		if m.Method, err = d.str(); err != nil {
			return nil, err
		}
		if m.Params, err = d.values(0); err != nil {
			return nil, err
		}
		m.Broadcast, err = d.boolean()
		return m, err

	case TagRemoteObjectLocation:
		var m RemoteObjectLocation
		if m.ID, err = d.i32(); err != nil {
			return nil, err
		}
		if m.ObjectID, err = d.i32(); err != nil {
			return nil, err
		}
		if m.Position, err = d.vec3(); err != nil {
			return nil, err
		}
		m.Rotation, err = d.vec3()
		return m, err

	case TagSpawn:
		var m Spawn
		m.Position, err = d.vec3()
		return m, err

	case TagChatMessage:
		var m ChatMessage
		if m.ID, err = d.i32(); err != nil {
			return nil, err
		}
		if m.Name, err = d.str(); err != nil {
			return nil, err
		}
		m.Text, err = d.str()
		return m, err

	default:
		return nil, malformed("unknown message tag %d", uint32(tag))
	}
}

func (d *decoder) values(depth int) ([]Value, error) {
	if depth > maxValueDepth {
		return nil, malformed("value nesting exceeds %d", maxValueDepth)
	}
	n, err := d.count()
	if err != nil {
		return nil, err
	}
	out := make([]Value, 0, n)
	for i := 0; i < n; i++ {
		v, err := d.value(depth)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) value(depth int) (Value, error) {
	kind, err := d.uvarint()
	if err != nil {
		return nil, err
	}

	switch ValueKind(kind) {
	case KindString:
		s, err := d.str()
		return StringValue(s), err
	case KindInt:
		i, err := d.i32()
		return IntValue(i), err
	case KindBool:
		b, err := d.boolean()
		return BoolValue(b), err
	case KindFloat:
		f, err := d.f32()
		return FloatValue(f), err
	case KindVector3:
		v, err := d.vec3()
		return Vector3Value(v), err
	case KindArray:
		items, err := d.values(depth + 1)
		return ArrayValue(items), err
	case KindNull:
		return NullValue{}, nil
	default:
		return nil, malformed("unknown value kind %d", kind)
	}
}
