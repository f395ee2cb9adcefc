// Package s2s defines the duplex channel to a speech-to-speech AI service.
//
// A [Channel] is one persistent bidirectional stream: the host pushes
// microphone audio, text and tool results through the Send methods and
// consumes everything the service produces as a single ordered stream of
// [Event] values. Keeping every inbound kind on one channel preserves arrival
// order between audio, transcripts, tool calls and interruptions, which the
// session manager relies on for business-state consistency.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Send methods after the channel has been closed.
var ErrClosed = errors.New("s2s: channel closed")

// EventKind discriminates inbound [Event] values.
type EventKind int

const (
	// EventAudio carries one decoded PCM16 audio segment in Event.Audio.
	EventAudio EventKind = iota + 1

	// EventInputTranscript carries a user transcription delta in Event.Text.
	EventInputTranscript

	// EventOutputTranscript carries a model transcription delta in Event.Text.
	EventOutputTranscript

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventInterrupted means "stop all scheduled playback now".
	EventInterrupted

	// EventToolCall carries a batch of tool calls in Event.ToolCalls. Every
	// call requires exactly one correlated [ToolResponse].
	EventToolCall

	// EventError carries a non-fatal service error in Event.Err.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventToolCall:
		return "tool_call"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ToolCall is a structured request from the service to run a named action.
type ToolCall struct {
	ID   string
	Name string

	// Args is the raw JSON object of arguments.
	Args json.RawMessage
}

// ToolResponse is the result correlated to a [ToolCall] by ID and Name.
type ToolResponse struct {
	ID   string
	Name string

	// Result is serialised as response.result.
	Result any
}

// Event is one inbound message from the service.
type Event struct {
	Kind EventKind

	// Audio is PCM16 mono at the service's output rate (EventAudio).
	Audio []byte

	// Seq is a monotonically increasing ordering hint for audio segments.
	Seq uint64

	// Text is the transcript delta (EventInputTranscript, EventOutputTranscript).
	Text string

	// ToolCalls is the batch for EventToolCall, in service order.
	ToolCalls []ToolCall

	// Err is set for EventError.
	Err error
}

// ToolDeclaration describes one callable tool offered to the model.
type ToolDeclaration struct {
	Name        string
	Description string

	// Parameters is a JSON-Schema object describing the arguments.
	Parameters map[string]any
}

// Config is the initial configuration for a new channel.
type Config struct {
	// Voice is the prebuilt voice name used for synthesised speech.
	Voice string

	// Instructions is the system instruction for the whole session.
	Instructions string

	// Tools is the set of tools the model may call.
	Tools []ToolDeclaration

	// Transcription enables input and output transcription events.
	Transcription bool
}

// Channel is an open duplex stream to the service.
//
// Send methods are fire-and-forget from the caller's perspective: they return
// quickly and report only local failures (closed channel, encoding, write).
// Events returns the inbound stream; it is closed when the channel ends for
// any reason, after which Err reports why (nil for a local Close).
type Channel interface {
	// SendAudio transmits one PCM16 mono frame at 16 kHz.
	SendAudio(pcm []byte) error

	// SendText injects a text message (priming prompt, system nudge).
	SendText(text string) error

	// SendToolResponse returns results for previously received tool calls.
	SendToolResponse(responses ...ToolResponse) error

	// Events returns the ordered inbound event stream.
	Events() <-chan Event

	// Err returns the error that ended the channel, or nil.
	Err() error

	// Close terminates the channel. Calling Close more than once is safe.
	Close() error
}

// Provider opens channels to one service.
type Provider interface {
	// Connect dials the service and sends the session setup. ctx bounds only
	// the dial; the returned Channel lives until Close or a remote close.
	Connect(ctx context.Context, cfg Config) (Channel, error)
}
