// Package vad defines the interfaces for voice-activity detection backends.
//
// A detector is a stateful, per-stream session: it classifies each PCM16
// frame as voiced or unvoiced and may adapt internal state (noise floor,
// smoothing history) as frames arrive. ProcessFrame is synchronous and must
// not block, so it can run inside a capture callback.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// ProcessFrame.
	SampleRate int

	// MinThreshold is the lowest normalised amplitude (0.0–1.0) that may ever
	// count as speech, regardless of how quiet the room is.
	MinThreshold float64
}

// SessionHandle represents an active VAD session for a single audio stream.
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses one little-endian PCM16 mono frame and returns the
	// detection result.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a new VAD session ready to accept frames.
	NewSession(cfg Config) (SessionHandle, error)
}
