// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// =============================================================================
// Interfaces
// =============================================================================

// HTTPClient is the subset of *http.Client the chat client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transport sends one user turn and streams the reply.
//
// # Description
//
// SendMessage posts req and calls onDelta for every fragment, in order,
// on the calling goroutine. It returns nil after [DONE], an error wrapping
// ErrStreamFailed after an in-band error frame, an *APIError when the
// server refused the request, or the context/network error.
type Transport interface {
	SendMessage(ctx context.Context, req datatypes.PostChatRequest, onDelta func(string)) error
}

// =============================================================================
// Errors
// =============================================================================

// ErrStreamFailed marks a reply that the server aborted mid-stream.
var ErrStreamFailed = errors.New("stream failed")

// APIError is a non-2xx response decoded from the server's {code, message}
// body.
type APIError struct {
	Status  int
	Code    string
	Kind    datatypes.ErrorKind
	Surface datatypes.Surface
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// =============================================================================
// Client
// =============================================================================

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL of the tutor service, e.g. "http://localhost:12230".
	BaseURL string

	// Token is sent as a bearer token when non-empty.
	Token string

	// HTTP defaults to an http.Client without timeout; replies are
	// bounded by the caller's context instead.
	HTTP HTTPClient

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client talks to the tutor HTTP API.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    HTTPClient
	logger  *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    cfg.HTTP,
		logger:  cfg.Logger,
	}
}

// SendMessage implements Transport against POST /api/chat.
func (c *Client) SendMessage(ctx context.Context, req datatypes.PostChatRequest, onDelta func(string)) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, http.StatusOK); err != nil {
		return err
	}

	fragments, err := c.consume(ctx, resp.Body, onDelta)
	c.logger.Debug("Chat stream finished",
		"chat_id", req.ID,
		"fragments", fragments,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	return err
}

// ResumeStream replays the chat's latest stream. It reports false when the
// server has nothing to resume.
func (c *Client) ResumeStream(ctx context.Context, chatID string, onDelta func(string)) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(chatID)+"/stream", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if err := checkResponse(resp, http.StatusOK); err != nil {
		return false, err
	}
	_, err = c.consume(ctx, resp.Body, onDelta)
	return true, err
}

// DeleteChat deletes a chat the caller owns and returns the deleted record.
func (c *Client) DeleteChat(ctx context.Context, chatID string) (*datatypes.Chat, error) {
	var chat datatypes.Chat
	if err := c.doJSON(ctx, http.MethodDelete, "/api/chat?id="+url.QueryEscape(chatID), nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// DeleteTrailingMessages removes the message and everything after it.
func (c *Client) DeleteTrailingMessages(ctx context.Context, messageID string) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID)+"/trailing", nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// UpdateVisibility changes who may read the chat.
func (c *Client) UpdateVisibility(ctx context.Context, chatID string, visibility datatypes.Visibility) error {
	body, err := json.Marshal(datatypes.UpdateVisibilityRequest{Visibility: visibility})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.doJSON(ctx, http.MethodPatch, "/api/chat/"+url.PathEscape(chatID)+"/visibility", bytes.NewReader(body), nil)
}

// Messages lists the stored messages of a chat.
func (c *Client) Messages(ctx context.Context, chatID string) ([]datatypes.Message, error) {
	var out struct {
		Messages []datatypes.Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(chatID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// History lists the caller's chats, newest first. limit <= 0 uses the
// server default.
func (c *Client) History(ctx context.Context, limit int) ([]datatypes.Chat, error) {
	path := "/api/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Chats []datatypes.Chat `json:"chats"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, http.StatusOK); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// consume forwards deltas and maps the terminal frame to an error.
func (c *Client) consume(ctx context.Context, body io.Reader, onDelta func(string)) (int, error) {
	fragments := 0
	var (
		failed  bool
		failure string
	)
	err := ReadStream(ctx, body, c.logger, func(event Event) error {
		switch event.Type {
		case EventDelta:
			fragments++
			if onDelta != nil {
				onDelta(event.Delta)
			}
		case EventError:
			failed, failure = true, event.Error
		}
		return nil
	})
	if err != nil {
		return fragments, err
	}
	if failed {
		if failure == "" {
			return fragments, ErrStreamFailed
		}
		return fragments, fmt.Errorf("%w: %s", ErrStreamFailed, failure)
	}
	return fragments, nil
}

// checkResponse turns an unexpected status into an *APIError.
func checkResponse(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		apiErr.Message = "failed to read response body"
		return apiErr
	}
	var body datatypes.ErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Code != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		apiErr.Kind, apiErr.Surface, _ = datatypes.ParseErrorCode(body.Code)
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}

var _ Transport = (*Client)(nil)
