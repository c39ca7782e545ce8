package live

import (
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zhouzirui/circlechat/internal/model/chat"
)

func chatEndpoint(host string, port int) chat.Endpoint {
	return chat.Endpoint{Host: host, Port: port}
}

func TestSubscribeFrame(t *testing.T) {
	in := Subscribe{ClientID: "client", RequestID: "req-1", ConversationID: "c1", UserID: "u1", Version: ProtocolVersion}
	out, err := DecodeSubscribe(EncodeSubscribe(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestDecodeAck(t *testing.T) {
	frame, err := DecodeFrame(EncodeAck(AckReady))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Ack == nil || !frame.Ack.Ready() || frame.Event != nil {
		t.Fatalf("expected ready ack, got %+v", frame)
	}

	frame, err = DecodeFrame(EncodeAck(7))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Ack == nil || frame.Ack.Ready() {
		t.Fatalf("expected non-ready ack, got %+v", frame)
	}
}

func TestDecodeMessageEvent(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_123).UTC()
	in := MessageEvent{
		ID:             "m1",
		AuthorID:       "alice",
		CreatedAt:      created,
		Text:           "hello",
		ContentID:      "img-1",
		ContentURL:     "https://cdn.example.com/img-1.jpg",
		ConversationID: "c1",
		Index:          4,
	}

	frame, err := DecodeFrame(EncodeEvent(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Event == nil || *frame.Event != in {
		t.Fatalf("expected %+v, got %+v", in, frame.Event)
	}

	m := frame.Event.Message()
	idx, ok := m.Index()
	if !m.Delivered() || !ok || idx != 4 || m.Author != "alice" || !m.CreatedAt.Equal(created) {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.Attachment == nil || m.Attachment.Kind != chat.AttachmentRemote || m.Attachment.Ref != "img-1" {
		t.Fatalf("unexpected attachment %+v", m.Attachment)
	}
}

func TestDecodeDeletedEvent(t *testing.T) {
	m := chat.Message{ID: "m2", ConversationID: "c1", Author: "bob", CreatedAt: time.UnixMilli(5).UTC()}.AsDelivered(0, time.Time{})
	frame, err := DecodeFrame(EncodeEvent(EventFromMessage(m, true)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Event == nil || !frame.Event.Deleted || frame.Event.ID != "m2" {
		t.Fatalf("expected deleted event, got %+v", frame.Event)
	}
	if idx, _ := frame.Event.Message().Index(); idx != 0 {
		t.Fatalf("expected index 0, got %d", idx)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	fixed := protowire.AppendTag(nil, 1, protowire.Fixed32Type)
	fixed = protowire.AppendFixed32(fixed, 9)

	onlyField2 := protowire.AppendTag(nil, 2, protowire.VarintType)
	onlyField2 = protowire.AppendVarint(onlyField2, 1)

	noID := protowire.AppendTag(nil, 1, protowire.BytesType)
	noID = protowire.AppendString(noID, "")

	cases := map[string][]byte{
		"empty":            nil,
		"truncated":        {0x0a, 0x05, 'a'},
		"bad tag":          {0xff},
		"fixed32 field 1":  fixed,
		"no field 1":       onlyField2,
		"event without id": noID,
	}
	for name, data := range cases {
		if _, err := DecodeFrame(data); !chat.IsProtocol(err) {
			t.Fatalf("%s: expected protocol error, got %v", name, err)
		}
	}
}

func TestDecodeSubscribeRequiresConversation(t *testing.T) {
	if _, err := DecodeSubscribe(EncodeSubscribe(Subscribe{UserID: "u1"})); !chat.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}
