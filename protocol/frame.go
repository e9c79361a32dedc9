// Package protocol defines the framing both ends of a document session
// speak: JSON messages tagged with a "type" field, carrying CRDT operations,
// presence updates, full-state transfers and session control. The codec is
// strict on input; anything it cannot classify decodes to ErrMalformedFrame
// so callers can drop-and-log without guessing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/crdt"
)

var ErrMalformedFrame = errors.New("protocol: malformed frame")

type FrameType string

const (
	FrameOperation    FrameType = "operation"
	FrameCursor       FrameType = "cursor"
	FramePresence     FrameType = "presence"
	FrameInitialState FrameType = "initial_state"
	FrameRequestState FrameType = "request_state"
	FrameUserJoined   FrameType = "user_joined"
	FrameUserLeft     FrameType = "user_left"
	FrameError        FrameType = "error"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
)

// Presence is the ephemeral cursor/selection state of one participant.
// Last write wins, nothing here touches the CRDT.
type Presence struct {
	Site     string `json:"site_id"`
	Username string `json:"username"`
	Cursor   int    `json:"cursor_position"`
	SelStart *int   `json:"selection_start,omitempty"`
	SelEnd   *int   `json:"selection_end,omitempty"`
}

// Frame is the one-envelope wire message. Which fields are meaningful
// depends on Type; Validate knows the rules per type.
type Frame struct {
	Type FrameType `json:"type"`

	// operation
	Op *crdt.Op `json:"operation,omitempty"`

	// cursor, presence, user_joined, user_left
	Site     string `json:"site_id,omitempty"`
	Username string `json:"username,omitempty"`
	Cursor   int    `json:"cursor_position,omitempty"`
	SelStart *int   `json:"selection_start,omitempty"`
	SelEnd   *int   `json:"selection_end,omitempty"`

	// initial_state
	DocumentID string          `json:"document_id,omitempty"`
	Compressed bool            `json:"compressed,omitempty"`
	State      json.RawMessage `json:"crdt_state,omitempty"`
	Data       string          `json:"data,omitempty"`
	Checksum   uint64          `json:"checksum,omitempty"`
	Text       string          `json:"text,omitempty"`
	Roster     []Presence      `json:"presence,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

func OperationFrame(op crdt.Op) Frame {
	return Frame{Type: FrameOperation, Op: &op}
}

func CursorFrame(p Presence) Frame {
	return Frame{
		Type:     FrameCursor,
		Site:     p.Site,
		Username: p.Username,
		Cursor:   p.Cursor,
		SelStart: p.SelStart,
		SelEnd:   p.SelEnd,
	}
}

func PresenceFrame(p Presence) Frame {
	f := CursorFrame(p)
	f.Type = FramePresence
	return f
}

func UserJoinedFrame(site, username string) Frame {
	return Frame{Type: FrameUserJoined, Site: site, Username: username}
}

func UserLeftFrame(site, username string) Frame {
	return Frame{Type: FrameUserLeft, Site: site, Username: username}
}

func ErrorFrame(message string) Frame {
	return Frame{Type: FrameError, Message: message}
}

func RequestStateFrame() Frame { return Frame{Type: FrameRequestState} }
func PingFrame() Frame         { return Frame{Type: FramePing} }
func PongFrame() Frame         { return Frame{Type: FramePong} }

// PresenceInfo reassembles the flat presence fields of a cursor, presence
// or join/leave frame.
func (f *Frame) PresenceInfo() Presence {
	return Presence{
		Site:     f.Site,
		Username: f.Username,
		Cursor:   f.Cursor,
		SelStart: f.SelStart,
		SelEnd:   f.SelEnd,
	}
}

// Validate enforces the per-type payload rules. The switch is exhaustive
// over the frame vocabulary; new frame types must be added here.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameOperation:
		if f.Op == nil {
			return fmt.Errorf("%w: operation frame without operation", ErrMalformedFrame)
		}
		if err := f.Op.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
	case FrameCursor, FramePresence, FrameUserJoined, FrameUserLeft:
		if f.Site == "" {
			return fmt.Errorf("%w: %s frame without site_id", ErrMalformedFrame, f.Type)
		}
	case FrameInitialState:
		if f.Compressed && f.Data == "" {
			return fmt.Errorf("%w: compressed state without data", ErrMalformedFrame)
		}
		if !f.Compressed && len(f.State) == 0 {
			return fmt.Errorf("%w: state frame without crdt_state", ErrMalformedFrame)
		}
	case FrameError:
		// Any message goes, including an empty one.
	case FrameRequestState, FramePing, FramePong:
		// No payload.
	default:
		return fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, string(f.Type))
	}
	return nil
}

func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
