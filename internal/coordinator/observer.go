package coordinator

// ChangeKind 房間表變更類型
type ChangeKind string

const (
	ChangeCreated      ChangeKind = "match_created"
	ChangeJoined       ChangeKind = "match_joined"
	ChangeLeft         ChangeKind = "match_left"
	ChangeDeleted      ChangeKind = "match_deleted"
	ChangeStarted      ChangeKind = "match_started"
	ChangeDisconnected ChangeKind = "session_disconnected"
)

// Change 一次房間表變更，Matches 為變更後的完整快照
type Change struct {
	Kind      ChangeKind
	RoomID    int32
	SessionID int32
	Matches   []Match
}

// Observer 接收房間表變更
//
// MatchChanged 在協調器 goroutine 中呼叫，實作不得阻塞。
type Observer interface {
	MatchChanged(Change)
}

// ObserverFunc 函數形式的 Observer
type ObserverFunc func(Change)

// MatchChanged 實現 Observer
func (f ObserverFunc) MatchChanged(c Change) { f(c) }
