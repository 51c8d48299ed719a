package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a page's chat log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Page    string `json:"page"`
	Seq     int    `json:"seq"`
}

// ChatHistoryRecord is one persisted exchange in the history store.
type ChatHistoryRecord struct {
	Timestamp    time.Time
	SessionID    string
	Username     string
	Page         string
	UserInput    string
	ResponseJSON string
}
