package conversation

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/circlechat/internal/model/chat"
	conversationService "github.com/zhouzirui/circlechat/internal/service/conversation"
	"github.com/zhouzirui/circlechat/internal/service/send"
	"github.com/zhouzirui/circlechat/pkg/utils"
)

const defaultHeartbeat = 15 * time.Second

// Handler 会话桥接层的HTTP处理器
type Handler struct {
	registry  *conversationService.Registry
	broker    *Broker
	logger    *zap.Logger
	heartbeat time.Duration
}

// New 创建会话处理器
func New(registry *conversationService.Registry, broker *Broker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if broker == nil {
		broker = NewBroker(logger)
	}
	return &Handler{
		registry:  registry,
		broker:    broker,
		logger:    logger.Named("bridge"),
		heartbeat: defaultHeartbeat,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.handleList)
	r.Post("/conversations/{id}", h.handleOpen)
	r.Delete("/conversations/{id}", h.handleClose)
	r.Get("/conversations/{id}/timeline", h.handleTimeline)
	r.Get("/conversations/{id}/messages", h.handleSnapshot)
	r.Post("/conversations/{id}/messages", h.handleSend)
	r.Delete("/conversations/{id}/messages/{mid}", h.handleDelete)
	r.Post("/conversations/{id}/messages/{mid}/retry", h.handleRetry)
	r.Post("/conversations/{id}/messages/{mid}/report", h.handleReport)
	r.Post("/conversations/{id}/read", h.handleMarkRead)
	r.Post("/conversations/{id}/visibility", h.handleVisibility)
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"conversations": h.registry.List()})
}

// handleOpen 打开会话，已打开时直接返回
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status := http.StatusCreated
	if _, err := h.registry.Get(id); err == nil {
		status = http.StatusOK
	}

	c, err := h.registry.Open(id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, status, c.Conversation())
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Close(chi.URLParam(r, "id")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	messages, err := c.Snapshot(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleTimeline 以SSE推送时间线快照和发送失败通知
func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, cancel := c.ObserveTimeline()
	defer cancel()
	failures, unsubscribe := h.broker.Subscribe(c.ID())
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEComment(w, flusher, "connected"); err != nil {
		return
	}

	ctx := r.Context()
	h.logger.Debug("opening timeline stream", zap.String("conversation_id", c.ID()))
	defer h.logger.Debug("closing timeline stream", zap.String("conversation_id", c.ID()))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case snapshot, open := <-updates:
			if !open {
				_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"conversationId": c.ID()})
				return
			}
			err = utils.SendSSEEvent(w, flusher, "timeline", map[string]any{"messages": snapshot})
		case event := <-failures:
			err = utils.SendSSEEvent(w, flusher, "send_failed", event)
		case <-ticker.C:
			err = utils.SendSSEComment(w, flusher, "heartbeat")
		}
		if err != nil {
			return
		}
	}
}

// handleSend 发送消息；发送失败时仍返回失败状态的消息，便于界面展示重试入口
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var payload struct {
		Text          string `json:"text"`
		AttachmentRef string `json:"attachmentRef"`
		AttachmentURL string `json:"attachmentUrl"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := c.Send(r.Context(), send.Draft{
		Text:          payload.Text,
		AttachmentRef: payload.AttachmentRef,
		AttachmentURL: payload.AttachmentURL,
	})
	if err != nil {
		h.respondSendErr(w, m, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, m)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	m, err := c.Retry(r.Context(), chi.URLParam(r, "mid"))
	if err != nil {
		h.respondSendErr(w, m, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, m)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := c.Delete(r.Context(), chi.URLParam(r, "mid")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := c.ReportAbuse(r.Context(), chi.URLParam(r, "mid"), chat.AbuseReason(payload.Reason)); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := c.MarkVisibleAndRead(r.Context()); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVisibility(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var payload struct {
		Visible *bool `json:"visible"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil || payload.Visible == nil {
		utils.RespondError(w, http.StatusBadRequest, "visible is required")
		return
	}
	if err := c.SetVisible(r.Context(), *payload.Visible); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) controller(w http.ResponseWriter, r *http.Request) (*conversationService.Controller, bool) {
	c, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, err)
		return nil, false
	}
	return c, true
}

func (h *Handler) respondSendErr(w http.ResponseWriter, m chat.Message, err error) {
	if m.ID == "" {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, statusFor(err), map[string]any{
		"error":   err.Error(),
		"message": m,
	})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	utils.RespondError(w, status, err.Error())
}

// statusFor 把领域错误映射为HTTP状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrConversationRequired),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidReason):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrConversationNotOpen),
		errors.Is(err, chat.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotFailed):
		return http.StatusConflict
	case chat.IsApplication(err):
		return http.StatusBadGateway
	case chat.IsTransport(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
