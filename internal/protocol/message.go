// Package protocol 訊息編解碼與 TCP 長度前綴分幀
//
// 編碼與既有遊戲客戶端的 postcard 格式相容：
// 變體標籤與 u32 長度為 LEB128 varint，i32 為 zigzag varint，
// f32 為 4 位元組小端序，bool 為單一位元組 0/1，序列為個數 + 元素。
package protocol

// Tag 訊息變體標籤（依宣告順序）
type Tag uint32

const (
	TagPing Tag = iota
	TagDisconnect
	TagLoginRequest
	TagLogin
	TagListMatches
	TagRemoveFromListMatches
	TagMatchDeleted
	TagNewMatch
	TagDeleteMatch
	TagMatchCreated
	TagMatchJoined
	TagMatchLeaved
	TagJoinMatch
	TagLeaveMatch
	TagMatchList
	TagStartMatch
	TagSpawnPlayers
	TagSpawnRemoteObject
	TagDespawnRemoteObject
	TagRemoteObjectCall
	TagRemoteObjectLocation
	TagSpawn
	TagChatMessage

	tagCount
)

var tagNames = [tagCount]string{
	"ping", "disconnect", "login_request", "login", "list_matches",
	"remove_from_list_matches", "match_deleted", "new_match", "delete_match",
	"match_created", "match_joined", "match_leaved", "join_match", "leave_match",
	"match_list", "start_match", "spawn_players", "spawn_remote_object",
	"despawn_remote_object", "remote_object_call", "remote_object_location",
	"spawn", "chat_message",
}

// String 返回標籤名稱（用於日誌）
func (t Tag) String() string {
	if t < tagCount {
		return tagNames[t]
	}
	return "unknown"
}

// Message 協議訊息（封閉集合，只有本套件的型別實現）
type Message interface {
	Tag() Tag
	encode(e *encoder)
}

// Vec3 三維向量
type Vec3 struct {
	X, Y, Z float32
}

// MatchEntry 房間列表項目
type MatchEntry struct {
	ID      int32
	Name    string
	Players int32
}

type (
	// Ping 心跳，同時是 UDP 握手的回應
	Ping struct{}

	// Disconnect 客戶端主動斷線
	Disconnect struct{}

	// LoginRequest 設定顯示名稱
	LoginRequest struct {
		Name string
	}

	// Login 登入確認
	Login struct {
		ID   int32
		Name string
	}

	// ListMatches 訂閱房間列表
	ListMatches struct{}

	// RemoveFromListMatches 取消訂閱房間列表
	RemoveFromListMatches struct{}

	// MatchDeleted 房間已被刪除
	MatchDeleted struct{}

	// NewMatch 創建房間
	NewMatch struct {
		RoomName string
	}

	// DeleteMatch 刪除房間
	DeleteMatch struct {
		RoomID int32
	}

	// MatchCreated 房間已創建（回覆創建者）
	MatchCreated struct {
		ID       int32
		OwnerID  int32
		RoomName string
	}

	// MatchJoined 某成員在房間內
	MatchJoined struct {
		ID       int32
		UserID   int32
		UserName string
		RoomName string
	}

	// MatchLeaved 某成員離開房間
	MatchLeaved struct {
		UserID   int32
		UserName string
	}

	// JoinMatch 加入房間（TCP 上為意圖，UDP 上為握手）
	JoinMatch struct {
		RoomID int32
	}

	// LeaveMatch 離開房間
	LeaveMatch struct {
		RoomID int32
	}

	// MatchList 房間列表
	MatchList struct {
		Matches []MatchEntry
	}

	// StartMatch 開始遊戲
	StartMatch struct {
		RoomID int32
		Map    string
	}

	// SpawnPlayers 房主分配出生點
	SpawnPlayers struct {
		RoomID    int32
		Positions []Vec3
	}

	// SpawnRemoteObject 生成遠端物件
	SpawnRemoteObject struct {
		ID       int32
		ObjectID int32
		Position Vec3
		Rotation Vec3
	}

	// DespawnRemoteObject 移除遠端物件
	DespawnRemoteObject struct {
		ID       int32
		ObjectID int32
	}

	// RemoteObjectCall 遠端方法呼叫，Broadcast 為 false 時只送給 ID
	RemoteObjectCall struct {
		ID        int32
		ObjectID  int32
		Method    string
		Params    []Value
		Broadcast bool
	}

	// RemoteObjectLocation 遠端物件位置
	RemoteObjectLocation struct {
		ID       int32
		ObjectID int32
		Position Vec3
		Rotation Vec3
	}

	// Spawn 個人化的出生點
	Spawn struct {
		Position Vec3
	}

	// ChatMessage 聊天訊息
	ChatMessage struct {
		ID   int32
		Name string
		Text string
	}
)

func (Ping) Tag() Tag                  { return TagPing }
func (Disconnect) Tag() Tag            { return TagDisconnect }
func (LoginRequest) Tag() Tag          { return TagLoginRequest }
func (Login) Tag() Tag                 { return TagLogin }
func (ListMatches) Tag() Tag           { return TagListMatches }
func (RemoveFromListMatches) Tag() Tag { return TagRemoveFromListMatches }
func (MatchDeleted) Tag() Tag          { return TagMatchDeleted }
func (NewMatch) Tag() Tag              { return TagNewMatch }
func (DeleteMatch) Tag() Tag           { return TagDeleteMatch }
func (MatchCreated) Tag() Tag          { return TagMatchCreated }
func (MatchJoined) Tag() Tag           { return TagMatchJoined }
func (MatchLeaved) Tag() Tag           { return TagMatchLeaved }
func (JoinMatch) Tag() Tag             { return TagJoinMatch }
func (LeaveMatch) Tag() Tag            { return TagLeaveMatch }
func (MatchList) Tag() Tag             { return TagMatchList }
func (StartMatch) Tag() Tag            { return TagStartMatch }
func (SpawnPlayers) Tag() Tag          { return TagSpawnPlayers }
func (SpawnRemoteObject) Tag() Tag     { return TagSpawnRemoteObject }
func (DespawnRemoteObject) Tag() Tag   { return TagDespawnRemoteObject }
func (RemoteObjectCall) Tag() Tag      { return TagRemoteObjectCall }
func (RemoteObjectLocation) Tag() Tag  { return TagRemoteObjectLocation }
func (Spawn) Tag() Tag                 { return TagSpawn }
func (ChatMessage) Tag() Tag           { return TagChatMessage }

// ValueKind Value 變體標籤
type ValueKind uint32

const (
	KindString ValueKind = iota
	KindInt
	KindBool
	KindFloat
	KindVector3
	KindArray
	KindNull
)

// Value 遠端呼叫參數（遞迴聯合型別）
type Value interface {
	Kind() ValueKind
	encodeValue(e *encoder)
}

type (
	StringValue  string
	IntValue     int32
	BoolValue    bool
	FloatValue   float32
	Vector3Value Vec3
	ArrayValue   []Value
	NullValue    struct{}
)

func (StringValue) Kind() ValueKind  { return KindString }
func (IntValue) Kind() ValueKind     { return KindInt }
func (BoolValue) Kind() ValueKind    { return KindBool }
func (FloatValue) Kind() ValueKind   { return KindFloat }
func (Vector3Value) Kind() ValueKind { return KindVector3 }
func (ArrayValue) Kind() ValueKind   { return KindArray }
func (NullValue) Kind() ValueKind    { return KindNull }
