package handlers

import (
	"context"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/connection"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// automationStartPayload decodes automation_v2_start.
type automationStartPayload struct {
	TaskID             string       `json:"task_id" validate:"required"`
	Instructions       []types.Step `json:"instructions" validate:"required,min=1"`
	StepTimeoutSeconds *float64     `json:"step_timeout_seconds"`
}

// automationTaskPayload decodes automation_v2_state and automation_v2_cancel,
// whose payload is just the task identifier.
type automationTaskPayload struct {
	TaskID string `json:"task_id" validate:"required"`
}

// AutomationStartHandler implements automation_v2_start: validate,
// call into the runtime, return the fresh snapshot under "state".
type AutomationStartHandler struct{ Deps *Deps }

func (h AutomationStartHandler) Handle(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error) {
	var payload automationStartPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return types.ResponseFrame{}, &agenterrors.ValidationError{Reason: err.Error()}
	}
	if err := h.Deps.Reg.ValidatePayload(&payload); err != nil {
		return types.ResponseFrame{}, err
	}

	defaultTimeout := 30.0
	if payload.StepTimeoutSeconds != nil {
		defaultTimeout = *payload.StepTimeoutSeconds
	}

	task, err := h.Deps.Automation.Start(payload.TaskID, payload.Instructions, defaultTimeout)
	if err != nil {
		return types.ResponseFrame{}, err
	}

	return types.ResponseFrame{
		Event:  "automation_v2_started",
		Fields: map[string]interface{}{"state": task},
	}, nil
}

// AutomationStateHandler implements automation_v2_state.
type AutomationStateHandler struct{ Deps *Deps }

func (h AutomationStateHandler) Handle(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error) {
	var payload automationTaskPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return types.ResponseFrame{}, &agenterrors.ValidationError{Reason: err.Error()}
	}
	if err := h.Deps.Reg.ValidatePayload(&payload); err != nil {
		return types.ResponseFrame{}, err
	}

	task := h.Deps.Automation.State(payload.TaskID)
	if task == nil {
		return types.ResponseFrame{}, &agenterrors.ValidationError{Field: "task_id", Reason: "unknown task"}
	}

	return types.ResponseFrame{
		Event:  "automation_v2_state",
		Fields: map[string]interface{}{"state": task},
	}, nil
}

// AutomationCancelHandler implements automation_v2_cancel.
type AutomationCancelHandler struct{ Deps *Deps }

func (h AutomationCancelHandler) Handle(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error) {
	var payload automationTaskPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return types.ResponseFrame{}, &agenterrors.ValidationError{Reason: err.Error()}
	}
	if err := h.Deps.Reg.ValidatePayload(&payload); err != nil {
		return types.ResponseFrame{}, err
	}

	task := h.Deps.Automation.Cancel(payload.TaskID)
	if task == nil {
		return types.ResponseFrame{}, &agenterrors.ValidationError{Field: "task_id", Reason: "unknown task"}
	}

	return types.ResponseFrame{
		Event:  "automation_v2_cancelled",
		Fields: map[string]interface{}{"state": task},
	}, nil
}
