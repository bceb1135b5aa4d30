package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stage names a step of a pipeline run. Values double as metric and span labels.
type Stage string

const (
	StageInput Stage = "input"
	StageSTT   Stage = "stt"
	StageLLM   Stage = "llm"
	StageTTS   Stage = "tts"
)

// ErrorKind classifies a StageError.
type ErrorKind int

const (
	// KindValidation marks input that was rejected before or between adapter calls.
	KindValidation ErrorKind = iota + 1
	// KindAdapter marks a failed or timed out backend call.
	KindAdapter
	// KindBusy marks a request that arrived while another run was in progress.
	KindBusy
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAdapter:
		return "adapter"
	case KindBusy:
		return "busy"
	}
	return "unknown"
}

// Client-facing messages for validation failures.
const (
	MsgEmptyPrompt = "Empty prompt received"
	MsgNoAudio     = "No audio data received"
	MsgNoSpeech    = "No speech detected"
	MsgBusy        = "Busy: a request is already in progress"
)

var stagePrefix = map[Stage]string{
	StageInput: "Input error",
	StageSTT:   "STT error",
	StageLLM:   "LLM error",
	StageTTS:   "TTS error",
}

// StageError is the tagged failure result of a pipeline stage.
type StageError struct {
	Kind    ErrorKind
	Stage   Stage
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Stage, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ClientMessage returns the text carried by the error event sent to the client.
func (e *StageError) ClientMessage() string {
	if e.Kind != KindAdapter {
		return e.Message
	}
	return stagePrefix[e.Stage] + ": " + e.Err.Error()
}

func validationError(stage Stage, msg string) *StageError {
	return &StageError{Kind: KindValidation, Stage: stage, Message: msg}
}

// adapterError wraps a backend failure, naming the bound when the call ran out of time.
func adapterError(stage Stage, err error, timeout time.Duration) *StageError {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return &StageError{Kind: KindAdapter, Stage: stage, Err: err}
}

// ErrBusy is returned when a session already has a run in progress.
var ErrBusy = &StageError{Kind: KindBusy, Stage: StageInput, Message: MsgBusy}

// ClientMessage maps any error returned by the pipeline to the text of an error event.
func ClientMessage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.ClientMessage()
	}
	return "Pipeline error: " + err.Error()
}
