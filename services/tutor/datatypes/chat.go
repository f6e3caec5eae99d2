// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the wire and storage types of the tutor service.
//
// This file contains the request bodies accepted by the chat endpoints and
// their validation rules.
package datatypes

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single text part.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxPartsPerMessage bounds the parts of one inbound message.
	MaxPartsPerMessage = 16
)

// modelIDPattern accepts Ollama tags ("gpt-oss:20b") and vendor ids
// ("openai/gpt-4o-mini").
var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,127}$`)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("modelid", validateModelID)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

func validateModelID(fl validator.FieldLevel) bool {
	return modelIDPattern.MatchString(fl.Field().String())
}

// =============================================================================
// Request Types
// =============================================================================

// UserMessage is the single new turn carried by PostChatRequest.
type UserMessage struct {
	ID    string `json:"id" validate:"required,uuid"`
	Role  Role   `json:"role" validate:"required,eq=user"`
	Parts []Part `json:"parts" validate:"required,min=1,max=16,dive"`
}

// PostChatRequest is the body of POST /api/chat.
//
// # Validation
//
//   - ID: required chat id (UUID). A new chat is created when it is unknown.
//   - Message: exactly one user message with 1-16 text parts, each part
//     1-2000 characters and at most 32KB.
//   - SelectedChatModel: model identifier, letters, digits and ._:/- only.
//   - SelectedVisibilityType: "private" or "public"; only applied when the
//     chat is created by this request.
type PostChatRequest struct {
	ID                     string      `json:"id" validate:"required,uuid"`
	Message                UserMessage `json:"message"`
	SelectedChatModel      string      `json:"selectedChatModel" validate:"required,modelid"`
	SelectedVisibilityType Visibility  `json:"selectedVisibilityType" validate:"required,oneof=private public"`
}

// Validate checks the request against its struct tags.
func (r *PostChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// Text returns the concatenated text of the new user turn.
func (r *PostChatRequest) Text() string {
	return Message{Parts: r.Message.Parts}.Text()
}

// UpdateVisibilityRequest is the body of PATCH /api/chat/:id/visibility.
type UpdateVisibilityRequest struct {
	Visibility Visibility `json:"visibility" validate:"required,oneof=private public"`
}

// Validate checks the request against its struct tags.
func (r *UpdateVisibilityRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ValidateChatID reports whether id is a well-formed chat or message id.
func ValidateChatID(id string) error {
	return chatValidate.Var(id, "required,uuid")
}
