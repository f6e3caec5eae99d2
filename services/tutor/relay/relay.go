// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay turns one student message into one streamed tutor reply.
//
// # Overview
//
// A chat turn has two phases:
//
//  1. Begin checks the request in a fixed order (validation, session,
//     entitlement, content policy, chat ownership), creates the chat when it is new,
//     persists the user message, and registers a stream id. Every failure
//     is a *datatypes.ChatError and nothing has been sent to the client.
//  2. Turn.Stream pulls fragments from the model gateway, forwards each to
//     an EventSink, and collects them in a per-request Accumulator. Only
//     after the gateway finishes without error is the reply persisted,
//     together with the chat's usage context.
//
// A cancelled turn persists nothing. A failed turn sends one in-band
// error event and persists nothing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianTutor/pkg/extensions"
	"github.com/AleutianAI/AleutianTutor/services/llm"
	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
	"github.com/AleutianAI/AleutianTutor/services/tutor/observability"
	"github.com/AleutianAI/AleutianTutor/services/tutor/policy"
	"github.com/AleutianAI/AleutianTutor/services/tutor/resumable"
	"github.com/AleutianAI/AleutianTutor/services/tutor/store"
)

var tracer = otel.Tracer("aleutian.tutor.relay")

// =============================================================================
// Collaborators
// =============================================================================

// EventSink receives the events of one streamed reply. Implementations
// write to the client transport; a returned error means the client is gone.
type EventSink interface {
	Delta(fragment string) error
	Done() error
	Fail(message string) error
}

// StreamRegistry makes a stream resumable by teeing it into a replay buffer
// that later readers can Attach to.
type StreamRegistry interface {
	Register(streamID, chatID string, produce llm.FragmentStream) (llm.FragmentStream, error)
	Attach(ctx context.Context, streamID string) (llm.FragmentStream, error)
}

// RegistryFunc returns the registry on demand. An error means resume is
// unavailable and the turn streams directly.
type RegistryFunc func() (StreamRegistry, error)

// DefaultRegistry returns the process-wide resumable registry.
func DefaultRegistry() (StreamRegistry, error) {
	reg, err := resumable.Default()
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// =============================================================================
// Relay
// =============================================================================

// Options configures a Relay. Store and Gateway are required.
type Options struct {
	Store        store.MessageStore
	Gateway      llm.LLMClient
	Titles       TitleGenerator
	Entitlements Entitlements
	Prompts      *PromptBuilder
	Registry     RegistryFunc
	Accumulators AccumulatorFactory
	Metrics      *observability.StreamingMetrics
	Audit        extensions.AuditLogger

	// Policy screens user messages. Nil disables screening.
	Policy *policy.Engine

	// Params are the base generation parameters. The backend model the
	// request's selected model id maps to overrides Params.Model.
	Params llm.GenerationParams

	// Models maps the model ids clients may select to backend model names.
	// An empty backend name uses the gateway's default model. When empty,
	// only the gateway's own model id is accepted.
	Models map[string]string
}

// Relay runs chat turns.
type Relay struct {
	store        store.MessageStore
	gateway      llm.LLMClient
	titles       TitleGenerator
	entitlements Entitlements
	prompts      *PromptBuilder
	registry     RegistryFunc
	accumulators AccumulatorFactory
	metrics      *observability.StreamingMetrics
	audit        extensions.AuditLogger
	policy       *policy.Engine
	params       llm.GenerationParams
	models       map[string]string

	now   func() time.Time
	newID func() string
}

// New creates a Relay, filling unset options with defaults.
func New(opts Options) (*Relay, error) {
	if opts.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("relay: gateway is required")
	}
	if opts.Titles == nil {
		opts.Titles = FixedTitle(DefaultChatTitle)
	}
	if opts.Entitlements == nil {
		opts.Entitlements = DefaultEntitlements()
	}
	if opts.Prompts == nil {
		prompts, err := NewPromptBuilder("")
		if err != nil {
			return nil, err
		}
		opts.Prompts = prompts
	}
	if opts.Registry == nil {
		opts.Registry = func() (StreamRegistry, error) { return nil, resumable.ErrDisabled }
	}
	if opts.Accumulators == nil {
		opts.Accumulators = NewAccumulatorFactory(DefaultAccumulatorConfig())
	}
	if opts.Audit == nil {
		opts.Audit = &extensions.NopAuditLogger{}
	}
	models := make(map[string]string, len(opts.Models))
	for id, backend := range opts.Models {
		models[id] = backend
	}
	if len(models) == 0 {
		models[opts.Gateway.Model()] = ""
	}
	return &Relay{
		store:        opts.Store,
		gateway:      opts.Gateway,
		titles:       opts.Titles,
		entitlements: opts.Entitlements,
		prompts:      opts.Prompts,
		registry:     opts.Registry,
		accumulators: opts.Accumulators,
		metrics:      opts.Metrics,
		audit:        opts.Audit,
		policy:       opts.Policy,
		params:       opts.Params,
		models:       models,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}, nil
}

// TurnRequest is one POST /api/chat call.
type TurnRequest struct {
	Body  datatypes.PostChatRequest
	User  *extensions.AuthInfo // nil when the caller has no session
	Hints RequestHints
}

// Turn is a chat turn that passed every check and is ready to stream.
type Turn struct {
	ChatID   string
	StreamID string
	UserID   string
	ModelID  string
	NewChat  bool

	backendModel string
	relay        *Relay
	turns        []llm.Turn
	startedAt    time.Time
}

// Begin runs the checks and side effects that precede streaming.
//
// # Description
//
// Checks happen in this order and the first failure wins:
//
//  1. Body validation            → bad_request:api, also for a model id
//     that is not configured
//  2. Session present            → unauthorized:chat
//  3. Messages in the last 24h   → rate_limit:chat when count > limit
//  4. Content policy             → bad_request:chat when blocked
//  5. Existing chat owned by user → forbidden:chat
//
// Then, in order: the chat is created with a generated title when it does
// not exist, prior messages are read, the user message is appended, and a
// fresh stream id is recorded. No stream starts when any step fails.
//
// # Outputs
//
//   - *Turn: ready to Stream.
//   - error: always a *datatypes.ChatError.
func (r *Relay) Begin(ctx context.Context, req TurnRequest) (*Turn, error) {
	ctx, span := tracer.Start(ctx, "relay.Begin",
		trace.WithAttributes(attribute.String("chat.id", req.Body.ID)))
	defer span.End()

	turn, err := r.begin(ctx, req)
	if err != nil {
		chatErr := datatypes.AsChatError(err)
		span.SetStatus(codes.Error, chatErr.Code())
		r.metrics.RecordRejection(observability.EndpointChat, chatErr.Code())
		return nil, chatErr
	}
	span.SetAttributes(attribute.String("stream.id", turn.StreamID))
	return turn, nil
}

// ValidateBody checks body against the request schema and the configured
// model ids. The error is a bad_request:api *datatypes.ChatError.
func (r *Relay) ValidateBody(body datatypes.PostChatRequest) error {
	if err := body.Validate(); err != nil {
		return datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceAPI).Wrap(err)
	}
	if _, ok := r.models[body.SelectedChatModel]; !ok {
		return datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceAPI).
			Wrap(fmt.Errorf("unknown model %q", body.SelectedChatModel))
	}
	return nil
}

func (r *Relay) begin(ctx context.Context, req TurnRequest) (*Turn, error) {
	body := req.Body
	if err := r.ValidateBody(body); err != nil {
		return nil, err
	}
	backendModel := r.models[body.SelectedChatModel]

	user := req.User
	if user == nil || user.UserID == "" {
		return nil, datatypes.NewChatError(datatypes.KindUnauthorized, datatypes.SurfaceChat)
	}

	count, err := r.store.GetMessageCountForUser(ctx, user.UserID, EntitlementWindow)
	if err != nil {
		return nil, offline(fmt.Errorf("count messages: %w", err))
	}
	if limit := r.entitlements.For(user.UserType).MaxMessagesPerDay; count > limit {
		slog.Info("Message entitlement exceeded",
			"user_id", user.UserID,
			"user_type", user.UserType,
			"count", count,
			"limit", limit,
		)
		return nil, datatypes.NewChatError(datatypes.KindRateLimit, datatypes.SurfaceChat)
	}

	if err := r.screen(ctx, body, user); err != nil {
		return nil, err
	}

	newChat, err := r.ensureChat(ctx, body, user)
	if err != nil {
		return nil, err
	}

	history, err := r.store.GetMessagesByChat(ctx, body.ID)
	if err != nil {
		return nil, offline(fmt.Errorf("load history: %w", err))
	}

	userMsg := datatypes.Message{
		ID:          body.Message.ID,
		ChatID:      body.ID,
		Role:        datatypes.RoleUser,
		Parts:       body.Message.Parts,
		Attachments: []datatypes.Attachment{},
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.AppendMessages(ctx, []datatypes.Message{userMsg}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceAPI).Wrap(err)
		}
		return nil, offline(fmt.Errorf("save user message: %w", err))
	}
	r.logAudit(ctx, extensions.AuditEvent{
		EventType:    "message.send",
		UserID:       user.UserID,
		ResourceType: "message",
		ResourceID:   userMsg.ID,
		Outcome:      "success",
		Metadata:     map[string]any{"chat_id": body.ID, "message_bytes": len(userMsg.Text())},
	})

	streamID := r.newID()
	if err := r.store.CreateStreamID(ctx, streamID, body.ID); err != nil {
		return nil, offline(fmt.Errorf("create stream id: %w", err))
	}

	system, err := r.prompts.Build(user.FirstName, req.Hints)
	if err != nil {
		return nil, offline(err)
	}

	return &Turn{
		ChatID:       body.ID,
		StreamID:     streamID,
		UserID:       user.UserID,
		ModelID:      body.SelectedChatModel,
		NewChat:      newChat,
		backendModel: backendModel,
		relay:        r,
		turns:        buildTurns(system, history, userMsg),
		startedAt:    r.now(),
	}, nil
}

// ensureChat creates the chat on first use or checks ownership of an
// existing one. It reports whether the chat was created.
func (r *Relay) ensureChat(ctx context.Context, body datatypes.PostChatRequest, user *extensions.AuthInfo) (bool, error) {
	chat, err := r.store.GetChat(ctx, body.ID)
	switch {
	case err == nil:
		if chat.UserID != user.UserID {
			return false, datatypes.NewChatError(datatypes.KindForbidden, datatypes.SurfaceChat)
		}
		return false, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, offline(fmt.Errorf("load chat: %w", err))
	}

	title, err := r.titles.GenerateTitle(ctx, body.Text())
	if err != nil {
		slog.Warn("Title generation failed, using fallback",
			"chat_id", body.ID,
			"error", err,
		)
	}
	if title == "" {
		title = DefaultChatTitle
	}

	_, err = r.store.CreateChat(ctx, body.ID, user.UserID, title, body.SelectedVisibilityType)
	if errors.Is(err, store.ErrConflict) {
		// Another request created it first.
		existing, getErr := r.store.GetChat(ctx, body.ID)
		if getErr != nil {
			return false, offline(fmt.Errorf("load chat: %w", getErr))
		}
		if existing.UserID != user.UserID {
			return false, datatypes.NewChatError(datatypes.KindForbidden, datatypes.SurfaceChat)
		}
		return false, nil
	}
	if err != nil {
		return false, offline(fmt.Errorf("create chat: %w", err))
	}
	r.logAudit(ctx, extensions.AuditEvent{
		EventType:    "chat.create",
		UserID:       user.UserID,
		ResourceType: "chat",
		ResourceID:   body.ID,
		Outcome:      "success",
		Metadata:     map[string]any{"visibility": string(body.SelectedVisibilityType)},
	})
	return true, nil
}

// screen applies the content policy to the user message. Findings are
// logged by pattern id only.
func (r *Relay) screen(ctx context.Context, body datatypes.PostChatRequest, user *extensions.AuthInfo) error {
	if r.policy == nil {
		return nil
	}
	verdict := r.policy.Check(body.Text())
	if len(verdict.Findings) == 0 {
		return nil
	}
	patterns := policy.PatternIDs(verdict.Findings)
	slog.Warn("Sensitive content in user message",
		"chat_id", body.ID,
		"user_id", user.UserID,
		"patterns", patterns,
		"blocked", verdict.Blocked,
	)
	outcome := "flagged"
	if verdict.Blocked {
		outcome = "blocked"
	}
	r.logAudit(ctx, extensions.AuditEvent{
		EventType:    "message.policy",
		UserID:       user.UserID,
		ResourceType: "message",
		ResourceID:   body.Message.ID,
		Outcome:      outcome,
		Metadata:     map[string]any{"chat_id": body.ID, "patterns": patterns},
	})
	if verdict.Blocked {
		return datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceChat)
	}
	return nil
}

func buildTurns(system string, history []datatypes.Message, current datatypes.Message) []llm.Turn {
	turns := make([]llm.Turn, 0, len(history)+2)
	turns = append(turns, llm.Turn{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		turns = append(turns, llm.Turn{Role: string(m.Role), Content: m.Text()})
	}
	return append(turns, llm.Turn{Role: llm.RoleUser, Content: current.Text()})
}

func offline(err error) *datatypes.ChatError {
	return datatypes.NewChatError(datatypes.KindOffline, datatypes.SurfaceChat).Wrap(err)
}

func (r *Relay) logAudit(ctx context.Context, event extensions.AuditEvent) {
	if err := r.audit.Log(ctx, event); err != nil {
		slog.Warn("Failed to write audit event", "event_type", event.EventType, "error", err)
	}
}

// =============================================================================
// Streaming
// =============================================================================

// Outcome is how a streamed turn ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Result summarises a streamed turn.
type Result struct {
	Outcome   Outcome
	Fragments int
	Persisted bool
	Err       error
}

// Stream runs the core loop of the turn.
//
// # Description
//
// Each fragment is written to the accumulator and then to sink, in
// arrival order. Cancellation of ctx, or a sink write error, stops the
// loop before the next fragment is delivered and nothing is persisted. A
// gateway error sends one Fail event with datatypes.StreamFailedMessage.
// After a clean finish sink.Done is called, then the reply (when
// non-empty) and usage are persisted. Persistence errors are logged and do
// not change the outcome; the client has already seen the whole reply.
//
// When a registry is available the gateway stream is registered under
// the turn's stream id so it can be resumed.
func (t *Turn) Stream(ctx context.Context, sink EventSink) Result {
	r := t.relay
	ctx, span := tracer.Start(ctx, "relay.Stream", trace.WithAttributes(
		attribute.String("chat.id", t.ChatID),
		attribute.String("stream.id", t.StreamID),
		attribute.String("llm.model", t.ModelID),
	))
	defer span.End()

	r.metrics.StreamStarted(observability.EndpointChat)
	defer r.metrics.StreamEnded(observability.EndpointChat)

	res := t.run(ctx, sink)

	elapsed := r.now().Sub(t.startedAt)
	r.metrics.RecordRequest(observability.EndpointChat, res.Outcome.String())
	r.metrics.RecordStreamDuration(observability.EndpointChat, elapsed.Seconds(), res.Outcome.String())
	span.SetAttributes(
		attribute.String("stream.outcome", res.Outcome.String()),
		attribute.Int("stream.fragments", res.Fragments),
	)
	if res.Outcome == OutcomeFailed {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "stream failed")
	}

	slog.Info("Chat turn finished",
		"chat_id", t.ChatID,
		"stream_id", t.StreamID,
		"outcome", res.Outcome.String(),
		"fragments", res.Fragments,
		"persisted", res.Persisted,
		"duration_ms", elapsed.Milliseconds(),
	)
	return res
}

func (t *Turn) run(ctx context.Context, sink EventSink) Result {
	r := t.relay

	acc, err := r.accumulators()
	if err != nil {
		slog.Error("Failed to create reply accumulator", "chat_id", t.ChatID, "error", err)
		r.metrics.RecordError(observability.EndpointChat, observability.ErrorCodeAccumulator)
		_ = sink.Fail(datatypes.StreamFailedMessage)
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	defer acc.Destroy()

	params := r.params
	params.Model = t.backendModel
	fragments := t.resumable(r.gateway.Complete(ctx, t.turns, params))

	delivered := 0
	for fragment, err := range fragments {
		if err != nil {
			if ctx.Err() != nil {
				return t.cancelled(delivered, ctx.Err())
			}
			slog.Error("Model stream failed",
				"chat_id", t.ChatID,
				"stream_id", t.StreamID,
				"fragments", delivered,
				"error", err,
			)
			r.metrics.RecordError(observability.EndpointChat, observability.ErrorCodeLLMError)
			_ = sink.Fail(datatypes.StreamFailedMessage)
			return Result{Outcome: OutcomeFailed, Fragments: delivered, Err: err}
		}
		if ctx.Err() != nil {
			return t.cancelled(delivered, ctx.Err())
		}
		if delivered == 0 {
			r.metrics.RecordTimeToFirstToken(observability.EndpointChat, r.now().Sub(t.startedAt).Seconds())
		}
		if err := acc.Write(fragment); err != nil {
			slog.Error("Reply exceeded buffer", "chat_id", t.ChatID, "error", err)
			r.metrics.RecordError(observability.EndpointChat, observability.ErrorCodeReplyTooLarge)
			_ = sink.Fail(datatypes.StreamFailedMessage)
			return Result{Outcome: OutcomeFailed, Fragments: delivered, Err: err}
		}
		if err := sink.Delta(fragment); err != nil {
			return t.cancelled(delivered, err)
		}
		delivered++
		// Stop before the next pull once the client is gone.
		if ctx.Err() != nil {
			return t.cancelled(delivered, ctx.Err())
		}
	}
	if ctx.Err() != nil {
		return t.cancelled(delivered, ctx.Err())
	}

	reply, err := acc.Finalize()
	if err != nil {
		slog.Error("Failed to finalize reply", "chat_id", t.ChatID, "error", err)
		_ = sink.Fail(datatypes.StreamFailedMessage)
		return Result{Outcome: OutcomeFailed, Fragments: delivered, Err: err}
	}
	if err := sink.Done(); err != nil {
		slog.Debug("Client left before the end marker", "chat_id", t.ChatID, "error", err)
	}

	// The client may disconnect right after the end marker; the reply is
	// complete so it is saved regardless.
	persisted := t.persist(context.WithoutCancel(ctx), reply)
	return Result{Outcome: OutcomeCompleted, Fragments: delivered, Persisted: persisted}
}

// cancelled ends a turn whose client went away, by request cancellation
// or a failed write.
func (t *Turn) cancelled(delivered int, cause error) Result {
	t.relay.metrics.RecordClientDisconnect(observability.EndpointChat)
	slog.Info("Chat turn cancelled, discarding partial reply",
		"chat_id", t.ChatID,
		"stream_id", t.StreamID,
		"fragments", delivered,
		"cause", cause,
	)
	return Result{Outcome: OutcomeCancelled, Fragments: delivered, Err: cause}
}

// resumable registers the stream for resume when a registry is available.
func (t *Turn) resumable(fragments llm.FragmentStream) llm.FragmentStream {
	reg, err := t.relay.registry()
	if err != nil {
		slog.Debug("Streaming without resume support", "chat_id", t.ChatID, "reason", err)
		return fragments
	}
	wrapped, err := reg.Register(t.StreamID, t.ChatID, fragments)
	if err != nil {
		slog.Warn("Could not register resumable stream",
			"chat_id", t.ChatID,
			"stream_id", t.StreamID,
			"error", err,
		)
		return fragments
	}
	return wrapped
}

// persist saves a non-empty reply and the chat's usage context.
func (t *Turn) persist(ctx context.Context, reply Reply) bool {
	r := t.relay
	if reply.Text == "" {
		slog.Info("Empty reply, nothing to save", "chat_id", t.ChatID)
		return false
	}

	msg := datatypes.Message{
		ID:          r.newID(),
		ChatID:      t.ChatID,
		Role:        datatypes.RoleAssistant,
		Parts:       []datatypes.Part{{Type: datatypes.PartTypeText, Text: reply.Text}},
		Attachments: []datatypes.Attachment{},
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.AppendMessages(ctx, []datatypes.Message{msg}); err != nil {
		slog.Error("Failed to save assistant message",
			"chat_id", t.ChatID,
			"stream_id", t.StreamID,
			"error", err,
		)
		r.metrics.RecordError(observability.EndpointChat, observability.ErrorCodePersistence)
		return false
	}

	length := reply.Runes()
	usage := datatypes.Usage{
		InputTokens:  0,
		OutputTokens: length,
		TotalTokens:  length,
		ModelID:      t.ModelID,
	}
	if err := r.store.UpdateChatUsage(ctx, t.ChatID, usage); err != nil {
		slog.Error("Failed to save usage context", "chat_id", t.ChatID, "error", err)
		r.metrics.RecordError(observability.EndpointChat, observability.ErrorCodePersistence)
	}
	r.metrics.RecordTokens(0, length, t.ModelID)

	r.logAudit(ctx, extensions.AuditEvent{
		EventType:    "message.reply",
		UserID:       t.UserID,
		ResourceType: "message",
		ResourceID:   msg.ID,
		Outcome:      "success",
		Metadata: map[string]any{
			"chat_id":     t.ChatID,
			"reply_bytes": len(reply.Text),
			"reply_hash":  reply.Hash,
		},
	})
	return true
}
