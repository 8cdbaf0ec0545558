package gateway

// State 会话协议状态
type State int32

const (
	StateAwaitingHello State = iota
	StateAuthenticated
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}
