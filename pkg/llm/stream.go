package llm

import "context"

// EventType discriminates streaming events.
type EventType string

const (
	// EventTextDelta carries an incremental chunk of assistant text.
	EventTextDelta EventType = "text_delta"
	// EventResponse carries the complete accumulated response and is always
	// the final event of a successful stream.
	EventResponse EventType = "response"
)

// Event is a single streaming event.
type Event struct {
	Type      EventType `json:"type"`
	TextDelta string    `json:"textDelta,omitempty"`
	Response  *Response `json:"response,omitempty"`
}

// Stream yields generation events. A successful stream ends with an
// EventResponse event carrying the complete response.
type Stream interface {
	// Next returns the next event, or false when the stream is exhausted or
	// failed. Check Err after a false return.
	Next(ctx context.Context) (*Event, bool)

	// Err returns the terminal error, if any.
	Err() error

	// Close releases the underlying connection.
	Close() error
}

// singleShotStream adapts a non-streaming Generate call to the Stream
// interface: one delta with the full text, then the response.
type singleShotStream struct {
	response *Response
	err      error
	stage    int
}

func (s *singleShotStream) Next(ctx context.Context) (*Event, bool) {
	if s.err != nil || ctx.Err() != nil {
		return nil, false
	}
	switch s.stage {
	case 0:
		s.stage++
		if text := s.response.Text(); text != "" {
			return &Event{Type: EventTextDelta, TextDelta: text}, true
		}
		fallthrough
	case 1:
		s.stage = 2
		return &Event{Type: EventResponse, Response: s.response}, true
	default:
		return nil, false
	}
}

func (s *singleShotStream) Err() error { return s.err }

func (s *singleShotStream) Close() error { return nil }
