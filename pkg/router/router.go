// Package router dispatches inbound command frames to registered
// handlers and routes their responses back toward the originating
// client session. A command
// name maps to exactly one handler, handlers are either async (run
// inline, may suspend on I/O) or sync (shelled-out/CPU work, run on a
// worker goroutine so they never block frame ingest).
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/connection"
	"github.com/cuemby/portacode-agent/pkg/log"
	"github.com/cuemby/portacode-agent/pkg/metrics"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// AsyncHandler handles a command that may block on I/O; it runs inline
// on the frame it was dispatched for, so Dispatch does not return until
// Handle does, and the read loop that called Dispatch waits with it.
type AsyncHandler interface {
	Handle(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error)
}

// SyncHandler handles CPU-bound or shelling-out work; the router always
// runs it on a goroutine so a slow sync handler never stalls the read
// loop for other commands.
type SyncHandler interface {
	HandleSync(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error)
}

// Registry maps command names to handlers and implements
// connection.Dispatcher.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]interface{} // AsyncHandler or SyncHandler
	validate *validator.Validate
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]interface{}),
		validate: validator.New(),
	}
}

// RegisterAsync registers h for command, replacing any prior handler.
func (r *Registry) RegisterAsync(command string, h AsyncHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = h
}

// RegisterSync registers h for command, replacing any prior handler.
func (r *Registry) RegisterSync(command string, h SyncHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = h
}

// ValidatePayload runs struct validation on dst (a pointer to a
// validator-tagged struct), returning a *agenterrors.ValidationError
// on the first failing field. It does no decoding itself: handlers call
// this after populating dst from frame.Payload.
func (r *Registry) ValidatePayload(dst interface{}) error {
	if err := r.validate.Struct(dst); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &agenterrors.ValidationError{Field: fe.Field(), Reason: fe.Tag()}
		}
		return &agenterrors.ValidationError{Reason: err.Error()}
	}
	return nil
}

// Dispatch implements connection.Dispatcher. Unknown
// commands and handler errors are converted to an error response frame;
// the connection is never closed because of a handler failure.
func (r *Registry) Dispatch(ctx context.Context, frame types.CommandFrame, sender connection.Sender) {
	if frame.RequestID == "" {
		frame.RequestID = uuid.NewString()
	}

	r.mu.RLock()
	h, ok := r.handlers[frame.Command]
	r.mu.RUnlock()

	if !ok {
		r.reply(sender, frame, types.ResponseFrame{}, fmt.Errorf("unknown command %q", frame.Command))
		return
	}

	switch handler := h.(type) {
	case SyncHandler:
		go func() {
			resp, err := handler.HandleSync(ctx, frame, sender)
			r.reply(sender, frame, resp, err)
		}()
	case AsyncHandler:
		resp, err := handler.Handle(ctx, frame, sender)
		r.reply(sender, frame, resp, err)
	default:
		r.reply(sender, frame, types.ResponseFrame{}, fmt.Errorf("handler for %q has no known shape", frame.Command))
	}
}

// reply finalizes a handler's response: error responses always carry
// success=false and a message classified by the error taxonomy; the
// request_id is preserved from the inbound frame if the handler didn't
// set it, and client_sessions is attached when the frame carried a
// source_client_session, so the gateway can route the reply back to the
// originating operator.
func (r *Registry) reply(sender connection.Sender, frame types.CommandFrame, resp types.ResponseFrame, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		success := false
		resp = types.ResponseFrame{
			Event:   frame.Command + "_error",
			Success: &success,
			Error:   err.Error(),
		}
		if kind := agenterrors.Classify(err); kind != "" {
			if resp.Fields == nil {
				resp.Fields = map[string]interface{}{}
			}
			resp.Fields["error_kind"] = kind
		}
	}
	metrics.FramesDispatchedTotal.WithLabelValues(frame.Command, outcome).Inc()

	if resp.RequestID == "" {
		resp.RequestID = frame.RequestID
	}
	if frame.SourceClientSession != "" && len(resp.ClientSessions) == 0 {
		resp.ClientSessions = []string{frame.SourceClientSession}
	}

	if sendErr := sender.Send(resp); sendErr != nil {
		routerLog := log.WithComponent("router")
		routerLog.Warn().Err(sendErr).Str("command", frame.Command).Msg("failed to send response")
	}
}
