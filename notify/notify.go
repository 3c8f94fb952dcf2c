// Package notify defines the user-facing notification sink injected into the
// core, plus sinks that forward to the event bus and the log.
package notify

import (
	"github.com/sirupsen/logrus"

	"workshop/events"
)

// Topic carries Notification payloads.
const Topic events.Topic = "notify"

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notification struct {
	Level Level  `json:"level"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Sink interface {
	Info(title, body string)
	Success(title, body string)
	Warning(title, body string)
	Error(title, body string)
}

// Send dispatches n to the sink method matching its level.
func Send(s Sink, n Notification) {
	if s == nil {
		return
	}
	switch n.Level {
	case LevelSuccess:
		s.Success(n.Title, n.Body)
	case LevelWarning:
		s.Warning(n.Title, n.Body)
	case LevelError:
		s.Error(n.Title, n.Body)
	default:
		s.Info(n.Title, n.Body)
	}
}

// BusSink publishes notifications on the notify topic for the UI.
type BusSink struct {
	bus *events.Bus
}

func NewBusSink(bus *events.Bus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) publish(level Level, title, body string) {
	s.bus.Publish(Topic, Notification{Level: level, Title: title, Body: body})
}

func (s *BusSink) Info(title, body string)    { s.publish(LevelInfo, title, body) }
func (s *BusSink) Success(title, body string) { s.publish(LevelSuccess, title, body) }
func (s *BusSink) Warning(title, body string) { s.publish(LevelWarning, title, body) }
func (s *BusSink) Error(title, body string)   { s.publish(LevelError, title, body) }

// LogSink writes notifications to a logrus logger.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) entry(level Level, title string) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{"notify": level, "title": title})
}

func (s *LogSink) Info(title, body string)    { s.entry(LevelInfo, title).Info(body) }
func (s *LogSink) Success(title, body string) { s.entry(LevelSuccess, title).Info(body) }
func (s *LogSink) Warning(title, body string) { s.entry(LevelWarning, title).Warn(body) }
func (s *LogSink) Error(title, body string)   { s.entry(LevelError, title).Error(body) }

// Multi fans a notification out to several sinks.
type Multi []Sink

func (m Multi) Info(title, body string) {
	for _, s := range m {
		s.Info(title, body)
	}
}

func (m Multi) Success(title, body string) {
	for _, s := range m {
		s.Success(title, body)
	}
}

func (m Multi) Warning(title, body string) {
	for _, s := range m {
		s.Warning(title, body)
	}
}

func (m Multi) Error(title, body string) {
	for _, s := range m {
		s.Error(title, body)
	}
}
