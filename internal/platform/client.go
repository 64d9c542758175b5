// Package platform talks to the messaging platform: outbound messages and
// sender profile lookups.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/reply-relay/internal/metrics"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// Client is an HTTP JSON client for the messaging platform API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// ClientConfig holds the platform connection settings.
type ClientConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	RateBurst int
}

// NewClient creates a platform client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid platform URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RateLimit * 2)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}, nil
}

type sendRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ReplyHandle    string `json:"reply_handle,omitempty"`
	Text           string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// SendDirect posts text into a conversation.
func (c *Client) SendDirect(ctx context.Context, conversationID, text string) (string, error) {
	var resp sendResponse
	err := c.do(ctx, http.MethodPost, "/messages", sendRequest{ConversationID: conversationID, Text: text}, &resp)
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", conversationID, err)
	}
	return resp.MessageID, nil
}

// SendAsReply posts text as a reply to the message identified by replyHandle.
func (c *Client) SendAsReply(ctx context.Context, replyHandle, text string) (string, error) {
	var resp sendResponse
	err := c.do(ctx, http.MethodPost, "/replies", sendRequest{ReplyHandle: replyHandle, Text: text}, &resp)
	if err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}
	return resp.MessageID, nil
}

type profileResponse struct {
	DisplayName string `json:"display_name"`
}

// DisplayName fetches the display name of a sender.
func (c *Client) DisplayName(ctx context.Context, senderID string) (string, error) {
	var resp profileResponse
	if err := c.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(senderID), nil, &resp); err != nil {
		return "", fmt.Errorf("fetch profile %s: %w", senderID, err)
	}
	return resp.DisplayName, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.OutboundCalls.WithLabelValues("platform", result).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("platform returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// LogMessenger logs outbound messages instead of sending them. Used when no
// platform API is configured.
type LogMessenger struct {
	Logger *slog.Logger
}

func (m LogMessenger) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// SendDirect logs the message.
func (m LogMessenger) SendDirect(_ context.Context, conversationID, text string) (string, error) {
	m.logger().Info("Outbound message", "conversation_id", conversationID, "text", text)
	return "", nil
}

// SendAsReply logs the reply.
func (m LogMessenger) SendAsReply(_ context.Context, replyHandle, text string) (string, error) {
	m.logger().Info("Outbound reply", "reply_handle", replyHandle, "text", text)
	return "", nil
}
