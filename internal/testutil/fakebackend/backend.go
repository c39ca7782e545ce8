// Package fakebackend 是测试用的进程内聊天后端，提供 JSON RPC 接口和二进制实时通道。
package fakebackend

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/circlechat/internal/model/chat"
	"github.com/zhouzirui/circlechat/internal/rpc"
	"github.com/zhouzirui/circlechat/internal/service/live"
	"github.com/zhouzirui/circlechat/pkg/utils"
)

// Report 为记录下的举报。
type Report struct {
	MessageID string
	Reason    string
}

type conversation struct {
	messages  map[string]chat.Message
	nextIndex int64
}

type subscriber struct {
	conversationID string
	conn           *websocket.Conn
	writeMu        sync.Mutex
}

func (s *subscriber) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Backend 保存服务端状态，所有方法均并发安全。
type Backend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conversations map[string]*conversation
	subs          map[*subscriber]struct{}
	subscribes    []live.Subscribe
	readMarks     map[string][]int64
	reports       []Report
	headers       []http.Header

	failPosts     int
	failDeletes   int
	failDiscovery int
	ackStatus     uint64
	postGate      chan struct{}
	now           func() time.Time

	postCalls      int
	discoveryCalls int
}

// New 在回环地址上启动后端。
func New() *Backend {
	b := &Backend{
		conversations: make(map[string]*conversation),
		subs:          make(map[*subscriber]struct{}),
		readMarks:     make(map[string][]int64),
		ackStatus:     live.AckReady,
		now:           func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	b.server = httptest.NewServer(b.routes())
	return b
}

func (b *Backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/conversations/{id}/live-endpoint", b.handleEndpoint)
		v1.Get("/conversations/{id}/messages", b.handleGetMessages)
		v1.Post("/conversations/{id}/messages", b.handlePostMessage)
		v1.Post("/conversations/{id}/read", b.handleMarkRead)
		v1.Delete("/messages/{id}", b.handleDelete)
		v1.Post("/messages/{id}/report", b.handleReport)
	})
	r.Get("/comments", b.handleLive)
	return r
}

// URL 为 RPC 客户端使用的基础地址。
func (b *Backend) URL() string { return b.server.URL }

// Endpoint 为发现接口返回的实时通道地址。
func (b *Backend) Endpoint() chat.Endpoint {
	addr := b.server.Listener.Addr().(*net.TCPAddr)
	return chat.Endpoint{Host: addr.IP.String(), Port: addr.Port}
}

// Close 断开所有实时连接并停止服务。
func (b *Backend) Close() {
	b.DropConnections()
	b.server.Close()
}

// SetNow 替换生成 createdAt 的服务端时钟。
func (b *Backend) SetNow(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Seed 预置已送达的历史消息。
func (b *Backend) Seed(conversationID string, messages ...chat.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv := b.conversationLocked(conversationID)
	for _, m := range messages {
		m.ConversationID = conversationID
		idx, ok := m.Index()
		if !ok {
			idx = conv.nextIndex
		}
		if idx >= conv.nextIndex {
			conv.nextIndex = idx + 1
		}
		conv.messages[m.ID] = m.AsDelivered(idx, time.Time{})
	}
}

// Push 保存 m 并通过实时通道广播，模拟其他成员发言。
func (b *Backend) Push(conversationID string, m chat.Message) chat.Message {
	b.mu.Lock()
	conv := b.conversationLocked(conversationID)
	m.ConversationID = conversationID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = b.now()
	}
	m = m.AsDelivered(conv.nextIndex, time.Time{})
	conv.nextIndex++
	conv.messages[m.ID] = m
	subs := b.subscribersLocked(conversationID)
	b.mu.Unlock()

	b.broadcast(subs, live.EventFromMessage(m, false))
	return m
}

// SendRaw 向会话的所有订阅者写入任意二进制帧。
func (b *Backend) SendRaw(conversationID string, data []byte) {
	b.mu.Lock()
	subs := b.subscribersLocked(conversationID)
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.write(data)
	}
}

// FailNextPosts 使接下来 n 次发送返回 500。
func (b *Backend) FailNextPosts(n int) {
	b.mu.Lock()
	b.failPosts = n
	b.mu.Unlock()
}

// FailNextDeletes 使接下来 n 次删除返回 500。
func (b *Backend) FailNextDeletes(n int) {
	b.mu.Lock()
	b.failDeletes = n
	b.mu.Unlock()
}

// FailDiscovery 使接下来 n 次地址发现返回 503。
func (b *Backend) FailDiscovery(n int) {
	b.mu.Lock()
	b.failDiscovery = n
	b.mu.Unlock()
}

// SetAckStatus 修改订阅应答中的状态值。
func (b *Backend) SetAckStatus(status uint64) {
	b.mu.Lock()
	b.ackStatus = status
	b.mu.Unlock()
}

// HoldPosts 阻塞发送请求，直到调用返回的 release 函数。
func (b *Backend) HoldPosts() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.postGate = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.postGate == gate {
				b.postGate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// DropConnections 不发送关闭帧直接断开所有实时连接。
func (b *Backend) DropConnections() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscriber]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.conn.UnderlyingConn().Close()
	}
}

// Subscribers 统计订阅该会话的连接数。
func (b *Backend) Subscribers(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribersLocked(conversationID))
}

// Subscribes 按顺序返回收到的订阅帧。
func (b *Backend) Subscribes() []live.Subscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]live.Subscribe(nil), b.subscribes...)
}

// Messages 按序号返回会话中保存的消息。
func (b *Backend) Messages(conversationID string) []chat.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv, ok := b.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]chat.Message, 0, len(conv.messages))
	for _, m := range conv.messages {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return mustIndex(out[i]) < mustIndex(out[j]) })
	return out
}

// ReadMarks 返回会话收到的全部已读序号。
func (b *Backend) ReadMarks(conversationID string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.readMarks[conversationID]...)
}

func (b *Backend) Reports() []Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Report(nil), b.reports...)
}

func (b *Backend) PostCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.postCalls
}

func (b *Backend) DiscoveryCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discoveryCalls
}

// Headers 返回 RPC 请求携带的请求头。
func (b *Backend) Headers() []http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]http.Header(nil), b.headers...)
}

func (b *Backend) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.discoveryCalls++
	b.headers = append(b.headers, r.Header.Clone())
	fail := b.failDiscovery > 0
	if fail {
		b.failDiscovery--
	}
	b.mu.Unlock()

	if fail {
		utils.RespondError(w, http.StatusServiceUnavailable, "live service unavailable")
		return
	}
	utils.RespondJSON(w, http.StatusOK, b.Endpoint())
}

func (b *Backend) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs := b.Messages(chi.URLParam(r, "id"))
	resp := rpc.MessagesResponse{Messages: make([]rpc.WireMessage, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, rpc.FromMessage(m))
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (b *Backend) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req rpc.PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b.mu.Lock()
	b.postCalls++
	b.headers = append(b.headers, r.Header.Clone())
	gate := b.postGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	b.mu.Lock()
	if b.failPosts > 0 {
		b.failPosts--
		b.mu.Unlock()
		utils.RespondError(w, http.StatusInternalServerError, "post failed")
		return
	}
	conv := b.conversationLocked(conversationID)
	m, exists := conv.messages[req.ID]
	if !exists {
		m = chat.Message{
			ID:             req.ID,
			ConversationID: conversationID,
			Author:         r.Header.Get("X-Client-ID"),
			CreatedAt:      b.now(),
			Text:           req.Text,
		}
		if req.AttachmentRef != "" {
			m.Attachment = &chat.Attachment{Kind: chat.AttachmentRemote, Ref: req.AttachmentRef}
		}
		m = m.AsDelivered(conv.nextIndex, time.Time{})
		conv.nextIndex++
		conv.messages[m.ID] = m
	}
	subs := b.subscribersLocked(conversationID)
	b.mu.Unlock()

	if !exists {
		b.broadcast(subs, live.EventFromMessage(m, false))
	}
	utils.RespondJSON(w, http.StatusOK, rpc.PostMessageResponse{Index: mustIndex(m), CreatedAt: m.CreatedAt.UnixMilli()})
}

func (b *Backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	if b.failDeletes > 0 {
		b.failDeletes--
		b.mu.Unlock()
		utils.RespondError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	var (
		removed chat.Message
		found   bool
	)
	for _, conv := range b.conversations {
		if m, ok := conv.messages[id]; ok {
			removed, found = m, true
			delete(conv.messages, id)
			break
		}
	}
	var subs []*subscriber
	if found {
		subs = b.subscribersLocked(removed.ConversationID)
	}
	b.mu.Unlock()

	if !found {
		utils.RespondError(w, http.StatusNotFound, "message not found")
		return
	}
	b.broadcast(subs, live.EventFromMessage(removed, true))
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req rpc.MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b.mu.Lock()
	id := chi.URLParam(r, "id")
	b.readMarks[id] = append(b.readMarks[id], req.Index)
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleReport(w http.ResponseWriter, r *http.Request) {
	var req rpc.ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b.mu.Lock()
	b.reports = append(b.reports, Report{MessageID: chi.URLParam(r, "id"), Reason: req.Reason})
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	kind, data, err := conn.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage {
		return
	}
	sub, err := live.DecodeSubscribe(data)
	if err != nil {
		return
	}

	s := &subscriber{conversationID: sub.ConversationID, conn: conn}
	b.mu.Lock()
	b.subscribes = append(b.subscribes, sub)
	status := b.ackStatus
	if status == live.AckReady {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()

	if err := s.write(live.EncodeAck(status)); err != nil || status != live.AckReady {
		return
	}

	defer func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Backend) broadcast(subs []*subscriber, e live.MessageEvent) {
	frame := live.EncodeEvent(e)
	for _, s := range subs {
		_ = s.write(frame)
	}
}

func (b *Backend) subscribersLocked(conversationID string) []*subscriber {
	var out []*subscriber
	for s := range b.subs {
		if s.conversationID == conversationID {
			out = append(out, s)
		}
	}
	return out
}

func (b *Backend) conversationLocked(id string) *conversation {
	conv, ok := b.conversations[id]
	if !ok {
		conv = &conversation{messages: make(map[string]chat.Message)}
		b.conversations[id] = conv
	}
	return conv
}

func mustIndex(m chat.Message) int64 {
	idx, _ := m.Index()
	return idx
}

