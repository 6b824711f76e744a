package session

// State 連線狀態
type State int

const (
	// Menu 初始狀態，瀏覽或建立房間
	Menu State = iota
	// MatchClient 加入他人的房間
	MatchClient
	// MatchHost 建立並擁有房間
	MatchHost
	// InGame 房間已開始，不再返回
	InGame
)

func (s State) String() string {
	switch s {
	case Menu:
		return "menu"
	case MatchClient:
		return "match_client"
	case MatchHost:
		return "match_host"
	case InGame:
		return "in_game"
	default:
		return "unknown"
	}
}
