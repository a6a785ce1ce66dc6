package wemo

import "sync"

// Logger is the structured logger used across the package.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// logSink is embedded by components that log. A nil logger discards.
type logSink struct {
	loggerMu sync.RWMutex
	logger   Logger
}

// SetLogger replaces the logger. Safe to call concurrently with logging.
func (s *logSink) SetLogger(l Logger) {
	s.loggerMu.Lock()
	s.logger = l
	s.loggerMu.Unlock()
}

func (s *logSink) get() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *logSink) logDebug(msg string, kv ...any) {
	if l := s.get(); l != nil {
		l.Debug(msg, kv...)
	}
}

func (s *logSink) logInfo(msg string, kv ...any) {
	if l := s.get(); l != nil {
		l.Info(msg, kv...)
	}
}

func (s *logSink) logWarn(msg string, kv ...any) {
	if l := s.get(); l != nil {
		l.Warn(msg, kv...)
	}
}

func (s *logSink) logError(msg string, err error, kv ...any) {
	if l := s.get(); l != nil {
		l.Error(msg, append([]any{"error", err}, kv...)...)
	}
}
