package web

import (
	"strings"
	"time"

	"github.com/steelthread/foreman/internal/events"
)

// Frame types on the event stream.
const (
	framePhaseUpdate   = "phase_update"
	frameFeatureUpdate = "feature_update"
	frameQueueUpdate   = "queue_update"
	frameSystemStatus  = "system_status"
)

// StreamFrame is the wire envelope for every stream message.
type StreamFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func newFrame(frameType string, data any) StreamFrame {
	return StreamFrame{Type: frameType, Data: data, Timestamp: time.Now().UTC()}
}

// frameFor classifies a bus event into its stream frame. Launch and
// completion-ingress events describe a phase, so they ride along as
// phase updates.
func frameFor(e events.Event) StreamFrame {
	frameType := framePhaseUpdate
	switch {
	case strings.HasPrefix(string(e.Type), "feature."):
		frameType = frameFeatureUpdate
	case strings.HasPrefix(string(e.Type), "coord."):
		frameType = frameSystemStatus
	}
	return newFrame(frameType, e)
}
