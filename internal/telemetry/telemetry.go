// Package telemetry provides the fire-and-forget analytics sink.
//
// Nothing leaves the device unless a caller explicitly wires a transmitting
// Sink. The default sink drops everything; the logging sink only writes to
// the local structured log.
package telemetry

import (
	"sync"

	"github.com/agrios/offline/internal/errors"
	"github.com/agrios/offline/internal/logging"
)

// Sink receives analytics events and error reports. Implementations must not
// block and must not fail the caller.
type Sink interface {
	TrackEvent(name string, properties map[string]interface{})
	TrackError(err error, context map[string]interface{})
}

// Nop drops every event.
type Nop struct{}

func (Nop) TrackEvent(string, map[string]interface{}) {}
func (Nop) TrackError(error, map[string]interface{})   {}

// LogSink writes events to the local structured log.
type LogSink struct {
	Logger *logging.Logger
}

// NewLogSink returns a sink writing to logger, or to the global logger if nil.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Get()
	}
	return &LogSink{Logger: logger}
}

// TrackEvent logs the event at debug level.
func (s *LogSink) TrackEvent(name string, properties map[string]interface{}) {
	s.Logger.Debug("telemetry event: "+name, properties)
}

// TrackError logs the error with its code.
func (s *LogSink) TrackError(err error, context map[string]interface{}) {
	s.Logger.ErrorWithCode("telemetry error", string(errors.CodeOf(err)), err, context)
}

// Event is a captured TrackEvent call.
type Event struct {
	Name       string
	Properties map[string]interface{}
}

// Memory keeps events in memory. Useful for tests and diagnostics screens.
type Memory struct {
	mu     sync.Mutex
	events []Event
	errs   []error
}

func (m *Memory) TrackEvent(name string, properties map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Name: name, Properties: properties})
}

func (m *Memory) TrackError(err error, _ map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Events returns a copy of the captured events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Errors returns a copy of the captured errors.
func (m *Memory) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errs...)
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
