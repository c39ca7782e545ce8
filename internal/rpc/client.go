// Package rpc 是聊天核心调用后端接口的 HTTP/JSON 适配层。
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/circlechat/internal/model/chat"
)

const maxErrorBody = 4 << 10

// Options 客户端配置。
type Options struct {
	BaseURL    string
	Token      string
	ClientID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client 调用后端接口。非 2xx 响应返回 ApplicationError，网络错误返回 TransportError。
type Client struct {
	baseURL  string
	token    string
	clientID string
	http     *http.Client
	logger   *zap.Logger
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		token:    opts.Token,
		clientID: opts.ClientID,
		http:     hc,
		logger:   logger,
	}
}

// AuthHeader 返回实时通道握手需要携带的鉴权头。
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.clientID != "" {
		h.Set("X-Client-ID", c.clientID)
	}
	return h
}

// FindLiveEndpoint 查询会话实时通道的地址。
func (c *Client) FindLiveEndpoint(ctx context.Context, conversationID string) (chat.Endpoint, error) {
	var ep chat.Endpoint
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/live-endpoint"
	if err := c.do(ctx, "find live endpoint", http.MethodPost, path, nil, &ep); err != nil {
		return chat.Endpoint{}, err
	}
	if ep.Host == "" || ep.Port <= 0 {
		return chat.Endpoint{}, &chat.ProtocolError{Reason: fmt.Sprintf("live endpoint incomplete: %+v", ep)}
	}
	return ep, nil
}

// GetMessages 拉取会话的全部历史消息。
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var resp MessagesResponse
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "get messages", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		m := w.Message()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, m)
	}
	return out, nil
}

// PostMessage 发送消息，服务端按消息 ID 幂等。
func (c *Client) PostMessage(ctx context.Context, m chat.Message) (chat.Receipt, error) {
	req := PostMessageRequest{ID: m.ID, Text: m.Text}
	if m.Attachment != nil {
		req.AttachmentRef = m.Attachment.Ref
	}

	var resp PostMessageResponse
	path := "/v1/conversations/" + url.PathEscape(m.ConversationID) + "/messages"
	if err := c.do(ctx, "post message", http.MethodPost, path, req, &resp); err != nil {
		return chat.Receipt{}, err
	}

	receipt := chat.Receipt{Index: resp.Index}
	if resp.CreatedAt > 0 {
		receipt.CreatedAt = time.UnixMilli(resp.CreatedAt).UTC()
	}
	return receipt, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, "delete message", http.MethodDelete, "/v1/messages/"+url.PathEscape(messageID), nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, conversationID string, index int64) error {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, "mark read", http.MethodPost, path, MarkReadRequest{Index: index}, nil)
}

func (c *Client) ReportAbuse(ctx context.Context, messageID string, reason chat.AbuseReason) error {
	path := "/v1/messages/" + url.PathEscape(messageID) + "/report"
	return c.do(ctx, "report abuse", http.MethodPost, path, ReportRequest{Reason: string(reason)}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header = c.AuthHeader()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &chat.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("rpc call",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return applicationError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return &chat.TransportError{Op: op, Err: err}
		}
		return &chat.ProtocolError{Reason: op + ": malformed response", Err: err}
	}
	return nil
}

func applicationError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(data))
	var payload ErrorResponse
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &chat.ApplicationError{Op: op, Status: resp.StatusCode, Message: msg}
}
