package chat

import (
	"context"
	"errors"
)

// Event names shared by the SSE and WebSocket transports.
const (
	EventToken  = "token"
	EventReply  = "reply"
	EventNotice = "notice"
	EventError  = "error"
	EventDone   = "done"
	EventReset  = "reset"
)

// PersistNotice is shown when a turn could not be saved.
const PersistNotice = "Your chat could not be saved to history."

// Frame is one event sent to the browser.
type Frame struct {
	Type      string `json:"type"`
	Page      string `json:"page,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
	Status    int    `json:"status,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// SubmitFrames runs Submit and reports its progress through emit: tokens as
// they arrive, the reply, a notice if persisting failed, then done. Errors
// are emitted as an error frame and also returned.
func (m *Manager) SubmitFrames(ctx context.Context, st *State, page, prompt string, emit func(Frame)) error {
	res, err := m.Submit(ctx, st, SubmitInput{
		Page:    page,
		Prompt:  prompt,
		OnToken: func(s string) { emit(Frame{Type: EventToken, Page: page, Text: s}) },
		OnReply: func(s string) { emit(Frame{Type: EventReply, Page: page, Text: s}) },
	})
	if err != nil {
		f := Frame{Type: EventError, Page: page, Message: UserMessage(err)}
		var backendErr *BackendUnavailableError
		if errors.As(err, &backendErr) {
			f.Status = backendErr.Status
		}
		emit(f)
		return err
	}
	if res.PersistErr != nil {
		emit(Frame{Type: EventNotice, Page: page, Message: PersistNotice})
	}
	emit(Frame{Type: EventDone, Page: page, SessionID: res.SessionID})
	return nil
}
