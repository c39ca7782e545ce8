package chat

import "time"

// Conversation describes a conversation the client currently has open.
type Conversation struct {
	ID       string    `json:"id"`
	OpenedAt time.Time `json:"openedAt"`
	Visible  bool      `json:"visible"`
}

// AbuseReason is the flag reason sent with an abuse report.
type AbuseReason string

const (
	AbuseInappropriate AbuseReason = "inappropriate"
	AbuseSpam          AbuseReason = "spam"
)

// Valid reports whether r is a reason the server accepts.
func (r AbuseReason) Valid() bool {
	return r == AbuseInappropriate || r == AbuseSpam
}

// Endpoint is the address of the live channel server for one conversation.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Receipt is the server's confirmation of a posted message.
type Receipt struct {
	Index     int64
	CreatedAt time.Time
}
