package chat

import "time"

// FailedKind records what a failed message carried, so it can be rebuilt for retry.
type FailedKind string

const (
	FailedText       FailedKind = "text"
	FailedAttachment FailedKind = "attachment"
)

// FailedMessage is the durable record of a send that did not go through. It
// outlives the process so the user can retry after a restart.
type FailedMessage struct {
	MessageID        string         `json:"messageId"`
	ConversationID   string         `json:"conversationId"`
	Author           string         `json:"author"`
	Kind             FailedKind     `json:"kind"`
	Text             string         `json:"text,omitempty"`
	AttachmentKind   AttachmentKind `json:"attachmentKind,omitempty"`
	AttachmentRef    string         `json:"attachmentRef,omitempty"`
	AttachmentURL    string         `json:"attachmentUrl,omitempty"`
	FirstAttemptedAt time.Time      `json:"firstAttemptedAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	Attempts         int            `json:"attempts"`
	LastError        string         `json:"lastError,omitempty"`
}

// NewFailedMessage captures m after a failed send attempt.
func NewFailedMessage(m Message, cause error, now time.Time) FailedMessage {
	f := FailedMessage{
		MessageID:        m.ID,
		ConversationID:   m.ConversationID,
		Author:           m.Author,
		Kind:             FailedText,
		Text:             m.Text,
		FirstAttemptedAt: m.CreatedAt,
		UpdatedAt:        now,
		Attempts:         1,
	}
	if m.Attachment != nil {
		f.Kind = FailedAttachment
		f.AttachmentKind = m.Attachment.Kind
		f.AttachmentRef = m.Attachment.Ref
		f.AttachmentURL = m.Attachment.URL
	}
	if cause != nil {
		f.LastError = cause.Error()
	}
	return f
}

// Message rebuilds the timeline entry for the record, in the Failed state.
func (f FailedMessage) Message() Message {
	m := Message{
		ID:             f.MessageID,
		ConversationID: f.ConversationID,
		Author:         f.Author,
		CreatedAt:      f.FirstAttemptedAt,
		Text:           f.Text,
		SendState:      SendStateFailed,
	}
	if f.Kind == FailedAttachment {
		m.Attachment = &Attachment{Kind: f.AttachmentKind, Ref: f.AttachmentRef, URL: f.AttachmentURL}
	}
	return m
}
