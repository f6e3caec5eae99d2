// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failure independently of where it happened.
type ErrorKind string

const (
	KindBadRequest   ErrorKind = "bad_request"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindRateLimit    ErrorKind = "rate_limit"
	KindOffline      ErrorKind = "offline"
	KindInternal     ErrorKind = "internal"

	// KindStreamFailed never becomes an HTTP status. It is reported in-band
	// as an SSE error frame after the response has started.
	KindStreamFailed ErrorKind = "stream_failed"
)

// Surface names the part of the product an error belongs to.
type Surface string

const (
	SurfaceAPI     Surface = "api"
	SurfaceChat    Surface = "chat"
	SurfaceAuth    Surface = "auth"
	SurfaceHistory Surface = "history"
	SurfaceStream  Surface = "stream"
)

// StreamFailedMessage is the text of the in-band error frame.
const StreamFailedMessage = "Stream failed"

// ChatError is the error type returned at the HTTP boundary. It renders as
// {"code": "<kind>:<surface>", "message": "..."}.
type ChatError struct {
	Kind    ErrorKind
	Surface Surface
	Cause   error
}

// ErrorBody is the JSON body of every non-streaming failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewChatError creates a ChatError for kind on surface.
func NewChatError(kind ErrorKind, surface Surface) *ChatError {
	return &ChatError{Kind: kind, Surface: surface}
}

// Wrap attaches the underlying cause. The cause is never shown to clients.
func (e *ChatError) Wrap(cause error) *ChatError {
	e.Cause = cause
	return e
}

// Code returns "<kind>:<surface>".
func (e *ChatError) Code() string {
	return string(e.Kind) + ":" + string(e.Surface)
}

func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code(), e.Cause)
	}
	return e.Code()
}

func (e *ChatError) Unwrap() error {
	return e.Cause
}

// Status maps the kind to an HTTP status code.
func (e *ChatError) Status() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindOffline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-facing text for the error.
func (e *ChatError) Message() string {
	if e.Kind == KindBadRequest && e.Surface == SurfaceAPI {
		return "The request couldn't be processed. Please check your input and try again."
	}
	if e.Kind == KindBadRequest && e.Surface == SurfaceChat {
		return "Your message looks like it contains credentials or personal data. Please remove them and try again."
	}
	switch e.Kind {
	case KindUnauthorized:
		if e.Surface == SurfaceAuth {
			return "You need to sign in to continue."
		}
		return "You need to sign in to view this chat. Please sign in and try again."
	case KindForbidden:
		return "This chat belongs to another account. Please check the chat ID and try again."
	case KindNotFound:
		return "The requested chat was not found. Please check the chat ID and try again."
	case KindRateLimit:
		return "You have exceeded your maximum number of messages for the day. Please try again later."
	case KindOffline:
		return "We're having trouble sending your message. Please check your internet connection and try again."
	case KindStreamFailed:
		return StreamFailedMessage
	default:
		return "Something went wrong. Please try again later."
	}
}

// Body returns the JSON body for the error.
func (e *ChatError) Body() ErrorBody {
	return ErrorBody{Code: e.Code(), Message: e.Message()}
}

// AsChatError extracts a ChatError from err. Any other error becomes
// offline:chat, the catch-all for unexpected failures.
func AsChatError(err error) *ChatError {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce
	}
	return NewChatError(KindOffline, SurfaceChat).Wrap(err)
}

// ParseErrorCode splits "<kind>:<surface>" back into its parts.
func ParseErrorCode(code string) (ErrorKind, Surface, bool) {
	kind, surface, ok := strings.Cut(code, ":")
	if !ok {
		return "", "", false
	}
	return ErrorKind(kind), Surface(surface), true
}
