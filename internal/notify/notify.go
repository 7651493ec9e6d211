// Package notify is the user-facing notification sink. Stores report
// successes and failures here fire-and-forget; delivery is never load-bearing.
package notify

import "github.com/rs/zerolog"

// Sink receives human-readable outcome messages.
type Sink interface {
	Success(msg string)
	Error(msg string)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Success(string) {}
func (Nop) Error(string)   {}

// LogSink routes notifications to the structured log, which is where a
// headless client surfaces them.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Success(msg string) { s.Logger.Info().Str("notice", "success").Msg(msg) }
func (s LogSink) Error(msg string)   { s.Logger.Warn().Str("notice", "error").Msg(msg) }

// Func adapts two functions to the Sink interface; handy in tests and for
// bridging to a UI toast layer.
type Func struct {
	OnSuccess func(string)
	OnError   func(string)
}

func (f Func) Success(msg string) {
	if f.OnSuccess != nil {
		f.OnSuccess(msg)
	}
}

func (f Func) Error(msg string) {
	if f.OnError != nil {
		f.OnError(msg)
	}
}
