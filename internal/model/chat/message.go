package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SendState tracks where a message is in its delivery lifecycle.
type SendState int

const (
	// SendStateDelivered marks messages that came from history or the live feed,
	// or local sends the server has confirmed.
	SendStateDelivered SendState = iota
	// SendStatePending marks local sends still waiting on the network.
	SendStatePending
	// SendStateFailed marks local sends the network rejected or never saw.
	SendStateFailed
)

func (s SendState) String() string {
	switch s {
	case SendStateDelivered:
		return "delivered"
	case SendStatePending:
		return "pending"
	case SendStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SendState(%d)", int(s))
	}
}

// MarshalText renders the state as its lowercase name.
func (s SendState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a lowercase state name.
func (s *SendState) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "delivered", "":
		*s = SendStateDelivered
	case "pending":
		*s = SendStatePending
	case "failed":
		*s = SendStateFailed
	default:
		return fmt.Errorf("unknown send state %q", string(text))
	}
	return nil
}

// AttachmentKind distinguishes an attachment still on the device from one the server knows about.
type AttachmentKind string

const (
	AttachmentLocal  AttachmentKind = "local"
	AttachmentRemote AttachmentKind = "remote"
)

// Attachment references media carried by a message. A nil *Attachment means none.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Ref  string         `json:"ref"`
	URL  string         `json:"url,omitempty"`
}

// Message is one chat entry. Values are treated as immutable; the As* helpers
// return modified copies.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Author         string      `json:"author"`
	CreatedAt      time.Time   `json:"createdAt"`
	Text           string      `json:"text,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ServerIndex    *int64      `json:"serverIndex,omitempty"`
	SendState      SendState   `json:"sendState"`
}

// Index returns the server-assigned index, if any.
func (m Message) Index() (int64, bool) {
	if m.ServerIndex == nil {
		return 0, false
	}
	return *m.ServerIndex, true
}

func (m Message) Pending() bool   { return m.SendState == SendStatePending }
func (m Message) Failed() bool    { return m.SendState == SendStateFailed }
func (m Message) Delivered() bool { return m.SendState == SendStateDelivered }

// Empty reports whether the message carries neither text nor an attachment.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && m.Attachment == nil
}

// Clone returns a deep copy so pointer fields are never shared between lifecycle versions.
func (m Message) Clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.ServerIndex != nil {
		idx := *m.ServerIndex
		m.ServerIndex = &idx
	}
	return m
}

// AsPending returns the message awaiting a send, without a server index.
func (m Message) AsPending() Message {
	out := m.Clone()
	out.SendState = SendStatePending
	out.ServerIndex = nil
	return out
}

// AsFailed returns the message marked as not sent.
func (m Message) AsFailed() Message {
	out := m.Clone()
	out.SendState = SendStateFailed
	out.ServerIndex = nil
	return out
}

// AsDelivered returns the confirmed message. A zero createdAt keeps the local timestamp.
func (m Message) AsDelivered(index int64, createdAt time.Time) Message {
	out := m.Clone()
	out.SendState = SendStateDelivered
	out.ServerIndex = &index
	if !createdAt.IsZero() {
		out.CreatedAt = createdAt
	}
	return out
}

// Compare orders messages by CreatedAt, then by ID. IDs are unique inside a
// timeline so the order is total.
func Compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Equal compares every field, following pointers.
func (m Message) Equal(o Message) bool {
	if m.ID != o.ID || m.ConversationID != o.ConversationID || m.Author != o.Author ||
		!m.CreatedAt.Equal(o.CreatedAt) || m.Text != o.Text || m.SendState != o.SendState {
		return false
	}
	mi, mok := m.Index()
	oi, ook := o.Index()
	if mok != ook || mi != oi {
		return false
	}
	switch {
	case m.Attachment == nil && o.Attachment == nil:
		return true
	case m.Attachment == nil || o.Attachment == nil:
		return false
	default:
		return *m.Attachment == *o.Attachment
	}
}

// EqualSlices reports whether two ordered message sequences are identical.
func EqualSlices(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// String is used in log fields.
func (m Message) String() string {
	data, err := json.Marshal(struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}{m.ID, m.SendState.String()})
	if err != nil {
		return m.ID
	}
	return string(data)
}
