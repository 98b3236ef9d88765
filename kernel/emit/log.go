package emit

import (
	"github.com/rs/zerolog"
)

// LogEmitter writes events through a zerolog logger, one line per event.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates a LogEmitter on the given logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: logger.With().Str("component", "emit").Logger()}
}

// Emit writes one structured log line for the event.
func (l *LogEmitter) Emit(event Event) {
	entry := l.log.Info().
		Str("instance_id", event.InstanceID).
		Str("msg", event.Msg)
	if event.WorkflowID != "" {
		entry = entry.Str("workflow_id", event.WorkflowID)
	}
	if event.Stage != "" {
		entry = entry.Str("stage", event.Stage)
	}
	if len(event.Meta) > 0 {
		entry = entry.Interface("meta", event.Meta)
	}
	entry.Send()
}
