package rpc

import (
	"time"

	"github.com/zhouzirui/circlechat/internal/model/chat"
)

// WireMessage 是 JSON 接口中的消息表示，时间为毫秒时间戳。
type WireMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	AuthorID       string       `json:"authorId"`
	CreatedAt      int64        `json:"createdAt"`
	Text           string       `json:"text,omitempty"`
	Attachment     *WireContent `json:"attachment,omitempty"`
	Index          int64        `json:"index"`
}

type WireContent struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

type MessagesResponse struct {
	Messages []WireMessage `json:"messages"`
}

type PostMessageRequest struct {
	ID            string `json:"id"`
	Text          string `json:"text,omitempty"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
}

type PostMessageResponse struct {
	Index     int64 `json:"index"`
	CreatedAt int64 `json:"createdAt,omitempty"`
}

type MarkReadRequest struct {
	Index int64 `json:"index"`
}

type ReportRequest struct {
	Reason string `json:"reason"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Message 转换为已送达的时间线条目。
func (w WireMessage) Message() chat.Message {
	m := chat.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Author:         w.AuthorID,
		CreatedAt:      time.UnixMilli(w.CreatedAt).UTC(),
		Text:           w.Text,
	}
	if w.Attachment != nil {
		m.Attachment = &chat.Attachment{Kind: chat.AttachmentRemote, Ref: w.Attachment.ID, URL: w.Attachment.URL}
	}
	return m.AsDelivered(w.Index, time.Time{})
}

// FromMessage 构造消息的 JSON 表示。
func FromMessage(m chat.Message) WireMessage {
	w := WireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		AuthorID:       m.Author,
		CreatedAt:      m.CreatedAt.UnixMilli(),
		Text:           m.Text,
	}
	if idx, ok := m.Index(); ok {
		w.Index = idx
	}
	if m.Attachment != nil {
		w.Attachment = &WireContent{ID: m.Attachment.Ref, URL: m.Attachment.URL}
	}
	return w
}
