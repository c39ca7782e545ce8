package live_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zhouzirui/circlechat/internal/model/chat"
	"github.com/zhouzirui/circlechat/internal/rpc"
	"github.com/zhouzirui/circlechat/internal/service/live"
	"github.com/zhouzirui/circlechat/internal/testutil/fakebackend"
)

const waitTimeout = 3 * time.Second

type recorder struct {
	received     chan chat.Message
	deleted      chan chat.Message
	connected    chan struct{}
	disconnected chan error
}

func newRecorder() *recorder {
	return &recorder{
		received:     make(chan chat.Message, 16),
		deleted:      make(chan chat.Message, 16),
		connected:    make(chan struct{}, 16),
		disconnected: make(chan error, 16),
	}
}

func (r *recorder) OnMessageReceived(m chat.Message) { r.received <- m }
func (r *recorder) OnMessageDeleted(m chat.Message)  { r.deleted <- m }
func (r *recorder) OnConnected()                     { r.connected <- struct{}{} }
func (r *recorder) OnDisconnected(err error)         { r.disconnected <- err }

func setup(t *testing.T) (*fakebackend.Backend, *live.Channel, *clockwork.FakeClock) {
	t.Helper()
	backend := fakebackend.New()
	t.Cleanup(backend.Close)

	client := rpc.New(rpc.Options{BaseURL: backend.URL(), ClientID: "client-1"})
	clock := clockwork.NewFakeClock()
	ch := live.NewChannel("c1", client, live.Options{
		Scheme:   "ws",
		ClientID: "client-1",
		UserID:   "u1",
		Header:   client.AuthHeader(),
		Clock:    clock,
	})
	t.Cleanup(ch.Teardown)
	return backend, ch, clock
}

func waitConnected(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case <-r.connected:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for connection")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func blockUntilTimer(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("no reconnect timer scheduled: %v", err)
	}
}

func TestConnectSubscribesAndBecomesConnected(t *testing.T) {
	backend, ch, _ := setup(t)
	r := newRecorder()
	ch.Register(r)

	if ch.State() != live.Disconnected {
		t.Fatalf("expected disconnected before connect, got %s", ch.State())
	}
	ch.Connect()
	waitConnected(t, r)

	if ch.State() != live.Connected {
		t.Fatalf("expected connected, got %s", ch.State())
	}
	subs := backend.Subscribes()
	if len(subs) != 1 {
		t.Fatalf("expected one subscribe frame, got %d", len(subs))
	}
	if subs[0].ConversationID != "c1" || subs[0].UserID != "u1" || subs[0].Version != live.ProtocolVersion || subs[0].RequestID == "" {
		t.Fatalf("unexpected subscribe frame %+v", subs[0])
	}
	if ch.RetryDelay() != live.DefaultInitialDelay {
		t.Fatalf("expected retry delay at initial value, got %v", ch.RetryDelay())
	}
}

func TestConnectWithoutObserversDoesNothing(t *testing.T) {
	backend, ch, _ := setup(t)
	ch.Connect()

	time.Sleep(50 * time.Millisecond)
	if backend.DiscoveryCalls() != 0 || ch.State() != live.Disconnected {
		t.Fatalf("expected no attempt without observers")
	}
}

func TestEventsFanOutToObservers(t *testing.T) {
	backend, ch, _ := setup(t)
	first, second := newRecorder(), newRecorder()
	ch.Register(first)
	ch.Register(second)
	ch.Connect()
	waitConnected(t, first)
	waitConnected(t, second)

	pushed := backend.Push("c1", chat.Message{ID: "m1", Author: "bob", Text: "hi"})
	for _, r := range []*recorder{first, second} {
		select {
		case m := <-r.received:
			if m.ID != "m1" || !m.Delivered() || !m.CreatedAt.Equal(pushed.CreatedAt) {
				t.Fatalf("unexpected message %+v", m)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("message not delivered")
		}
	}

	client := rpc.New(rpc.Options{BaseURL: backend.URL()})
	if err := client.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case m := <-first.deleted:
		if m.ID != "m1" {
			t.Fatalf("unexpected deleted message %+v", m)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("delete not delivered")
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	backend, ch, _ := setup(t)
	r := newRecorder()
	ch.Register(r)
	ch.Connect()
	waitConnected(t, r)

	backend.SendRaw("c1", []byte{0xff, 0x01})
	backend.SendRaw("c1", nil)
	backend.Push("c1", chat.Message{ID: "m2", Author: "bob", Text: "still here"})

	select {
	case m := <-r.received:
		if m.ID != "m2" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("valid frame after malformed ones was not delivered")
	}
	if ch.State() != live.Connected {
		t.Fatalf("expected connection to survive malformed frames, got %s", ch.State())
	}
	select {
	case err := <-r.disconnected:
		t.Fatalf("unexpected disconnect: %v", err)
	default:
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	backend, ch, clock := setup(t)
	r := newRecorder()
	ch.Register(r)
	ch.Connect()
	waitConnected(t, r)

	backend.DropConnections()
	select {
	case err := <-r.disconnected:
		if !chat.IsTransport(err) {
			t.Fatalf("expected transport error, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("disconnect not reported")
	}

	blockUntilTimer(t, clock)
	if ch.State() != live.Disconnected {
		t.Fatalf("expected disconnected while waiting, got %s", ch.State())
	}
	if ch.RetryDelay() != 400*time.Millisecond {
		t.Fatalf("expected doubled retry delay, got %v", ch.RetryDelay())
	}

	clock.Advance(live.DefaultInitialDelay)
	waitConnected(t, r)
	if ch.RetryDelay() != live.DefaultInitialDelay {
		t.Fatalf("expected retry delay reset after connecting, got %v", ch.RetryDelay())
	}
	if got := len(backend.Subscribes()); got != 2 {
		t.Fatalf("expected two subscribe frames, got %d", got)
	}
}

func TestDiscoveryFailureRetriesWithBackoff(t *testing.T) {
	backend, ch, clock := setup(t)
	backend.FailDiscovery(3)
	r := newRecorder()
	ch.Register(r)
	ch.Connect()

	delays := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, d := range delays {
		blockUntilTimer(t, clock)
		if ch.State() != live.Connecting {
			t.Fatalf("attempt %d: expected connecting during discovery retries, got %s", i, ch.State())
		}
		if backend.Subscribers("c1") != 0 {
			t.Fatalf("attempt %d: socket opened without an endpoint", i)
		}
		clock.Advance(d)
	}

	waitConnected(t, r)
	if got := backend.DiscoveryCalls(); got != 4 {
		t.Fatalf("expected 4 discovery calls, got %d", got)
	}
}

func TestNonReadyAckDrivesReconnect(t *testing.T) {
	backend, ch, clock := setup(t)
	backend.SetAckStatus(2)
	r := newRecorder()
	ch.Register(r)
	ch.Connect()

	blockUntilTimer(t, clock)
	if ch.State() != live.Disconnected {
		t.Fatalf("expected disconnected after rejected subscribe, got %s", ch.State())
	}
	select {
	case <-r.connected:
		t.Fatalf("connected despite rejected subscribe")
	case err := <-r.disconnected:
		t.Fatalf("disconnect reported for a channel that never connected: %v", err)
	default:
	}

	backend.SetAckStatus(live.AckReady)
	clock.Advance(live.DefaultInitialDelay)
	waitConnected(t, r)
}

func TestTeardownCancelsPendingReconnect(t *testing.T) {
	backend, ch, clock := setup(t)
	backend.FailDiscovery(1)
	r := newRecorder()
	ch.Register(r)
	ch.Connect()

	blockUntilTimer(t, clock)
	ch.Teardown()
	if ch.State() != live.Disconnected {
		t.Fatalf("expected disconnected after teardown, got %s", ch.State())
	}

	clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	if got := backend.DiscoveryCalls(); got != 1 {
		t.Fatalf("expected no attempt after teardown, got %d discovery calls", got)
	}

	ch.Connect()
	time.Sleep(50 * time.Millisecond)
	if got := backend.DiscoveryCalls(); got != 1 {
		t.Fatalf("expected connect after teardown to be ignored, got %d discovery calls", got)
	}
}

func TestLastObserverLeavingClosesSocket(t *testing.T) {
	backend, ch, _ := setup(t)
	r := newRecorder()
	unregister := ch.Register(r)
	ch.Connect()
	waitConnected(t, r)
	waitFor(t, "subscriber", func() bool { return backend.Subscribers("c1") == 1 })

	unregister()
	waitFor(t, "socket close", func() bool { return backend.Subscribers("c1") == 0 })
	if ch.State() != live.Disconnected {
		t.Fatalf("expected disconnected with no observers, got %s", ch.State())
	}
	select {
	case err := <-r.disconnected:
		t.Fatalf("unregistered observer was notified: %v", err)
	default:
	}
}
