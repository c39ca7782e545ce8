package live

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zhouzirui/circlechat/internal/model/chat"
)

// 订阅协议版本。
const ProtocolVersion = 1

// AckReady 表示服务端已完成订阅，可以开始推送。
const AckReady = 1

// Subscribe 是连接建立后客户端发送的第一帧。
type Subscribe struct {
	ClientID       string
	RequestID      string
	ConversationID string
	UserID         string
	Version        uint64
}

// MessageEvent 是服务端推送的评论事件，Deleted 为 true 时表示删除。
type MessageEvent struct {
	ID             string
	AuthorID       string
	CreatedAt      time.Time
	Text           string
	ContentID      string
	ContentURL     string
	ConversationID string
	Deleted        bool
	Index          int64
}

// Message 转换为已送达的时间线条目。
func (e MessageEvent) Message() chat.Message {
	m := chat.Message{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Author:         e.AuthorID,
		CreatedAt:      e.CreatedAt,
		Text:           e.Text,
	}
	if e.ContentID != "" || e.ContentURL != "" {
		m.Attachment = &chat.Attachment{Kind: chat.AttachmentRemote, Ref: e.ContentID, URL: e.ContentURL}
	}
	return m.AsDelivered(e.Index, time.Time{})
}

// EventFromMessage 用于测试替身构造推送帧。
func EventFromMessage(m chat.Message, deleted bool) MessageEvent {
	e := MessageEvent{
		ID:             m.ID,
		AuthorID:       m.Author,
		CreatedAt:      m.CreatedAt,
		Text:           m.Text,
		ConversationID: m.ConversationID,
		Deleted:        deleted,
	}
	if idx, ok := m.Index(); ok {
		e.Index = idx
	}
	if m.Attachment != nil {
		e.ContentID = m.Attachment.Ref
		e.ContentURL = m.Attachment.URL
	}
	return e
}

// Frame 是解码后的入站帧，Ack 与 Event 二者只有一个非空。
type Frame struct {
	Ack   *Ack
	Event *MessageEvent
}

type Ack struct {
	Status uint64
}

func (a Ack) Ready() bool { return a.Status == AckReady }

// 字段编号。
const (
	subscribeHeader         protowire.Number = 1
	subscribeConversationID protowire.Number = 2
	subscribeUserID         protowire.Number = 3
	subscribeVersion        protowire.Number = 4

	headerClientID  protowire.Number = 1
	headerRequestID protowire.Number = 2

	ackStatus protowire.Number = 1

	eventID             protowire.Number = 1
	eventAuthor         protowire.Number = 2
	eventCreatedAt      protowire.Number = 3
	eventText           protowire.Number = 5
	eventContent        protowire.Number = 7
	eventConversationID protowire.Number = 8
	eventDeleted        protowire.Number = 9
	eventIndex          protowire.Number = 10

	authorID protowire.Number = 1

	contentID  protowire.Number = 1
	contentURL protowire.Number = 8
)

// EncodeSubscribe 编码订阅帧。
func EncodeSubscribe(s Subscribe) []byte {
	var header []byte
	header = appendString(header, headerClientID, s.ClientID)
	header = appendString(header, headerRequestID, s.RequestID)

	var b []byte
	b = protowire.AppendTag(b, subscribeHeader, protowire.BytesType)
	b = protowire.AppendBytes(b, header)
	b = appendString(b, subscribeConversationID, s.ConversationID)
	b = appendString(b, subscribeUserID, s.UserID)
	b = protowire.AppendTag(b, subscribeVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Version)
	return b
}

// DecodeSubscribe 解码订阅帧，供测试替身使用。
func DecodeSubscribe(data []byte) (Subscribe, error) {
	var s Subscribe
	fields, err := parseFields(data)
	if err != nil {
		return s, err
	}
	for _, f := range fields {
		switch {
		case f.num == subscribeHeader && f.typ == protowire.BytesType:
			inner, err := parseFields(f.bytes)
			if err != nil {
				return s, err
			}
			for _, h := range inner {
				switch h.num {
				case headerClientID:
					s.ClientID = string(h.bytes)
				case headerRequestID:
					s.RequestID = string(h.bytes)
				}
			}
		case f.num == subscribeConversationID:
			s.ConversationID = string(f.bytes)
		case f.num == subscribeUserID:
			s.UserID = string(f.bytes)
		case f.num == subscribeVersion:
			s.Version = f.varint
		}
	}
	if s.ConversationID == "" {
		return s, &chat.ProtocolError{Reason: "subscribe frame without conversation id"}
	}
	return s, nil
}

// EncodeAck 编码订阅确认帧。
func EncodeAck(status uint64) []byte {
	b := protowire.AppendTag(nil, ackStatus, protowire.VarintType)
	return protowire.AppendVarint(b, status)
}

// EncodeEvent 编码评论事件帧。
func EncodeEvent(e MessageEvent) []byte {
	var b []byte
	b = appendString(b, eventID, e.ID)

	author := appendString(nil, authorID, e.AuthorID)
	b = protowire.AppendTag(b, eventAuthor, protowire.BytesType)
	b = protowire.AppendBytes(b, author)

	if !e.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, eventCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.CreatedAt.UnixMilli()))
	}
	if e.Text != "" {
		b = appendString(b, eventText, e.Text)
	}
	if e.ContentID != "" || e.ContentURL != "" {
		var content []byte
		content = appendString(content, contentID, e.ContentID)
		content = appendString(content, contentURL, e.ContentURL)
		b = protowire.AppendTag(b, eventContent, protowire.BytesType)
		b = protowire.AppendBytes(b, content)
	}
	b = appendString(b, eventConversationID, e.ConversationID)
	if e.Deleted {
		b = protowire.AppendTag(b, eventDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = protowire.AppendTag(b, eventIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Index))
	return b
}

// DecodeFrame 根据第 1 号字段的类型区分确认帧与评论事件：varint 为确认，
// 长度前缀为评论。其余情况返回 ProtocolError。
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, &chat.ProtocolError{Reason: "empty frame"}
	}
	fields, err := parseFields(data)
	if err != nil {
		return Frame{}, err
	}

	var first *field
	for i := range fields {
		if fields[i].num == 1 {
			first = &fields[i]
			break
		}
	}
	if first == nil {
		return Frame{}, &chat.ProtocolError{Reason: "frame without field 1"}
	}

	switch first.typ {
	case protowire.VarintType:
		return Frame{Ack: &Ack{Status: first.varint}}, nil
	case protowire.BytesType:
		e, err := decodeEvent(fields)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Event: &e}, nil
	default:
		return Frame{}, &chat.ProtocolError{Reason: "unexpected wire type for field 1"}
	}
}

func decodeEvent(fields []field) (MessageEvent, error) {
	var e MessageEvent
	for _, f := range fields {
		switch f.num {
		case eventID:
			e.ID = string(f.bytes)
		case eventAuthor:
			inner, err := parseFields(f.bytes)
			if err != nil {
				return e, err
			}
			for _, a := range inner {
				if a.num == authorID {
					e.AuthorID = string(a.bytes)
				}
			}
		case eventCreatedAt:
			e.CreatedAt = time.UnixMilli(int64(f.varint)).UTC()
		case eventText:
			e.Text = string(f.bytes)
		case eventContent:
			inner, err := parseFields(f.bytes)
			if err != nil {
				return e, err
			}
			for _, c := range inner {
				switch c.num {
				case contentID:
					e.ContentID = string(c.bytes)
				case contentURL:
					e.ContentURL = string(c.bytes)
				}
			}
		case eventConversationID:
			e.ConversationID = string(f.bytes)
		case eventDeleted:
			e.Deleted = protowire.DecodeBool(f.varint)
		case eventIndex:
			e.Index = int64(f.varint)
		}
	}
	if e.ID == "" {
		return e, &chat.ProtocolError{Reason: "message event without id"}
	}
	return e, nil
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func parseFields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, &chat.ProtocolError{Reason: "malformed tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, &chat.ProtocolError{Reason: "malformed varint", Err: protowire.ParseError(m)}
			}
			f.varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, &chat.ProtocolError{Reason: "malformed length-delimited field", Err: protowire.ParseError(m)}
			}
			f.bytes = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, &chat.ProtocolError{Reason: "malformed field", Err: protowire.ParseError(n)}
			}
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
