package server

import (
	"time"

	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/stream"
)

// Event is one JSON frame pushed to websocket subscribers.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

const (
	EventUIUpdate         = "ui_update"
	EventReasoningStep    = "reasoning_step"
	EventStateChange      = "state_change"
	EventDownloadProgress = "download_progress"
)

type stateChange struct {
	From models.ServerState `json:"from"`
	To   models.ServerState `json:"to"`
}

func newEvent(kind string, payload any) Event {
	return Event{Type: kind, Payload: payload, EmittedAt: time.Now()}
}

// PublishUIUpdate forwards one batched stream update to all subscribers.
func (s *Server) PublishUIUpdate(update stream.UIUpdate) {
	s.hub.broadcast(newEvent(EventUIUpdate, update))
}

// PublishStep forwards one parsed reasoning step to all subscribers.
func (s *Server) PublishStep(streamID string, step models.ReasoningStep) {
	s.hub.broadcast(newEvent(EventReasoningStep, struct {
		StreamID string               `json:"stream_id"`
		Step     models.ReasoningStep `json:"step"`
	}{streamID, step}))
}

// OnStateChange implements llm.StateObserver.
func (s *Server) OnStateChange(from, to models.ServerState) {
	s.hub.broadcast(newEvent(EventStateChange, stateChange{From: from, To: to}))
}

// OnDownloadProgress implements llm.StateObserver.
func (s *Server) OnDownloadProgress(progress models.DownloadProgress) {
	s.hub.broadcast(newEvent(EventDownloadProgress, progress))
}
