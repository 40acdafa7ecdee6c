// Package reconcile folds incoming envelopes and local actions into the
// shared room state (chat log, remote nickname, selected video, playlists).
package reconcile

import (
	"slices"

	"github.com/1ureka/togetherly/internal/protocol"
)

// Sender tells who authored a message. It is never sent on the wire.
type Sender string

const (
	SenderMe     Sender = "me"
	SenderThem   Sender = "them"
	SenderSystem Sender = "system"
)

// DefaultRemoteNickname is shown until the peer announces a name.
const DefaultRemoteNickname = "Friend"

// FileInfo is the file attached to a file-type message.
type FileInfo struct {
	Name string
	Type string
	Size int64
	Data string // data URL
}

// Message is one entry of the chat log.
type Message struct {
	ID        string
	Sender    Sender
	Content   string
	Timestamp string
	Nickname  string
	Reactions []protocol.ReactionMark
	File      *FileInfo
	IsEdited  bool
	IsDeleted bool
}

// State is the room state owned by the application event loop. Reconciler
// methods never modify a State in place; they return an updated copy.
type State struct {
	Messages       []Message
	RemoteNickname string
	SelectedVideo  string
	Playlists      []protocol.Playlist
}

// NewState returns the state of a fresh room.
func NewState() State {
	return State{RemoteNickname: DefaultRemoteNickname}
}

// Find returns the message with id.
func (s State) Find(id string) (Message, bool) {
	if i := s.index(id); i >= 0 {
		return s.Messages[i], true
	}
	return Message{}, false
}

func (s State) index(id string) int {
	return slices.IndexFunc(s.Messages, func(m Message) bool { return m.ID == id })
}

// withMessages returns s with a private copy of the message slice.
func (s State) withMessages() State {
	s.Messages = slices.Clone(s.Messages)
	return s
}

func (s State) appended(m Message) State {
	s.Messages = append(slices.Clip(s.Messages), m)
	return s
}
