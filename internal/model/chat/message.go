package chat

// 对话角色，与历史文件中的 role 字段一致。
const (
	RoleUser      = "User"
	RoleAssistant = "Ai"
)

// Turn 历史中的一轮发言。
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
