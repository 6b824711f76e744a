package coordinator

// Intent 會話處理器送給協調器的控制意圖（封閉集合）
type Intent interface {
	intent()
}

type (
	// ListMatches 訂閱房間列表並立即收到目前列表
	ListMatches struct {
		SessionID int32
	}

	// Unsubscribe 取消訂閱房間列表
	Unsubscribe struct {
		SessionID int32
	}

	// CreateMatch 創建房間，創建者成為房主與唯一成員
	CreateMatch struct {
		SessionID int32
		Name      string
	}

	// JoinMatch 加入房間
	JoinMatch struct {
		SessionID int32
		RoomID    int32
	}

	// DeleteMatch 刪除房間
	DeleteMatch struct {
		SessionID int32
		RoomID    int32
	}

	// LeaveMatch 離開房間
	LeaveMatch struct {
		SessionID int32
		RoomID    int32
	}

	// StartMatch 開始遊戲
	StartMatch struct {
		SessionID int32
		RoomID    int32
		Map       string
	}

	// Disconnected 會話已斷線
	Disconnected struct {
		SessionID int32
	}

	// Ping 屏障：處理到此意圖時關閉 Done
	Ping struct {
		Done chan struct{}
	}
)

func (ListMatches) intent()  {}
func (Unsubscribe) intent()  {}
func (CreateMatch) intent()  {}
func (JoinMatch) intent()    {}
func (DeleteMatch) intent()  {}
func (LeaveMatch) intent()   {}
func (StartMatch) intent()   {}
func (Disconnected) intent() {}
func (Ping) intent()         {}
