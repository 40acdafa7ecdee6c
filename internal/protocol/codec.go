package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType = errors.New("unknown envelope type")
	ErrMalformed   = errors.New("malformed envelope")
)

// wire is the on-the-channel shape of every envelope.
type wire struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes an Envelope into its JSON wire form.
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", env.Type(), err)
	}
	return json.Marshal(wire{Type: env.Type(), Payload: payload})
}

// Decode parses a wire frame into its Envelope variant. Frames with an
// unknown tag fail with ErrUnknownType; frames whose payload does not match
// the tag's shape fail with ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil, fmt.Errorf("%w: %q has no payload", ErrMalformed, w.Type)
	}

	switch w.Type {
	case TypeChat:
		var v Chat
		if err := unmarshal(w, &v); err != nil {
			return nil, err
		}
		if v.ID == "" {
			return nil, fmt.Errorf("%w: chat without id", ErrMalformed)
		}
		return v, nil

	case TypeFile:
		var v File
		if err := unmarshal(w, &v); err != nil {
			return nil, err
		}
		if v.ID == "" || v.FileName == "" {
			return nil, fmt.Errorf("%w: file without id or name", ErrMalformed)
		}
		return v, nil

	case TypeVideo:
		var v string
		if err := unmarshal(w, &v); err != nil {
			return nil, err
		}
		return Video(v), nil

	case TypeSystem:
		var v string
		if err := unmarshal(w, &v); err != nil {
			return nil, err
		}
		return System(v), nil

	case TypeNickname:
		var v string
		if err := unmarshal(w, &v); err != nil {
			return nil, err
		}
		return Nickname(v), nil

	case TypeReaction:
		var v Reaction
		if err := unmarshal(w, &v); err != nil {
			return nil, err
		}
		if v.MessageID == "" || v.Reaction.Emoji == "" {
			return nil, fmt.Errorf("%w: reaction without target or emoji", ErrMalformed)
		}
		return v, nil

	case TypePlayerState:
		var v PlayerState
		if err := unmarshal(w, &v); err != nil {
			return nil, err
		}
		if v.Event != EventPlay && v.Event != EventPause {
			return nil, fmt.Errorf("%w: player event %q", ErrMalformed, v.Event)
		}
		return v, nil

	case TypePlaylistShare:
		var v PlaylistShare
		if err := unmarshal(w, &v); err != nil {
			return nil, err
		}
		return v, nil

	case TypeEdit:
		var v Edit
		if err := unmarshal(w, &v); err != nil {
			return nil, err
		}
		if v.MessageID == "" {
			return nil, fmt.Errorf("%w: edit without target", ErrMalformed)
		}
		return v, nil

	case TypeDelete:
		var v Delete
		if err := unmarshal(w, &v); err != nil {
			return nil, err
		}
		if v.MessageID == "" {
			return nil, fmt.Errorf("%w: delete without target", ErrMalformed)
		}
		return v, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

func unmarshal(w wire, v any) error {
	if err := json.Unmarshal(w.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, w.Type, err)
	}
	return nil
}
