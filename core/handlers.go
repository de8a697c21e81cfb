package core

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// EventLogger is a verbose bus observer that logs every event and command at
// debug level. It is attached when DEBUG_MODE is enabled.
type EventLogger struct {
	requestLogger  *logrus.Entry
	truncateLength int
	events         int
	commands       int
}

func NewEventLogger(logger *logrus.Logger, config *Config) *EventLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	limit := 500
	if config != nil && config.LogTruncateLength > 0 {
		limit = config.LogTruncateLength
	}
	return &EventLogger{
		requestLogger:  logger.WithField("component", "event_logger"),
		truncateLength: limit,
	}
}

// Helper function to truncate payloads for logging with configurable length
func (h *EventLogger) truncateForLog(payload json.RawMessage) string {
	return truncateForLog(string(payload), h.truncateLength)
}

func (h *EventLogger) ObserveEvent(evt Event) {
	h.events++
	h.requestLogger.WithFields(logrus.Fields{
		"sequence":      h.events,
		"kind":          evt.Kind,
		"source":        evt.Source,
		"payload":       h.truncateForLog(evt.Payload),
		"payloadLength": len(evt.Payload),
	}).Debug("Bus event dispatched")
}

// ObserveCommand may run on several goroutines, so it keeps no counters.
func (h *EventLogger) ObserveCommand(command string, payload json.RawMessage) {
	h.requestLogger.WithFields(logrus.Fields{
		"command":       command,
		"payload":       h.truncateForLog(payload),
		"payloadLength": len(payload),
	}).Debug("Backend command sent")
}

func (h *EventLogger) ObserveResponse(command string, response json.RawMessage) {
	h.requestLogger.WithFields(logrus.Fields{
		"command":        command,
		"response":       h.truncateForLog(response),
		"responseLength": len(response),
	}).Debug("Backend command answered")
}

func (h *EventLogger) ObserveError(command string, err error) {
	h.requestLogger.WithFields(logrus.Fields{
		"command": command,
		"error":   err.Error(),
	}).Debug("Backend command failed")
}

var _ Observer = (*EventLogger)(nil)
