package reconcile

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/1ureka/togetherly/internal/clock"
	"github.com/1ureka/togetherly/internal/protocol"
)

// TimestampLayout is how message timestamps are rendered.
const TimestampLayout = "15:04"

// Outcome carries side-channel results of Apply that are not part of State.
type Outcome struct {
	// Player is set for player_state envelopes and must be handed to the
	// playback synchronizer.
	Player *protocol.PlayerState
}

// Reconciler applies envelopes and local actions to a State. It is
// stateless apart from its ID and time sources.
type Reconciler struct {
	clk   clock.Clock
	newID func() string
}

// New returns a Reconciler that stamps synthesized messages with clk and
// random UUIDs.
func New(clk clock.Clock) *Reconciler {
	return &Reconciler{clk: clk, newID: uuid.NewString}
}

// NewWithIDs is New with a custom ID source.
func NewWithIDs(clk clock.Clock, newID func() string) *Reconciler {
	return &Reconciler{clk: clk, newID: newID}
}

// NewID returns a fresh message identifier.
func (r *Reconciler) NewID() string { return r.newID() }

// Timestamp returns the current time rendered for a message.
func (r *Reconciler) Timestamp() string { return r.clk.Now().Format(TimestampLayout) }

// Apply folds an envelope received from the peer into state.
func (r *Reconciler) Apply(state State, env protocol.Envelope) (State, Outcome) {
	switch e := env.(type) {
	case protocol.Chat:
		return state.appended(Message{
			ID:        e.ID,
			Sender:    SenderThem,
			Content:   e.Content,
			Timestamp: e.Timestamp,
			Nickname:  e.Nickname,
		}), Outcome{}

	case protocol.File:
		return state.appended(Message{
			ID:        e.ID,
			Sender:    SenderThem,
			Content:   e.FileName,
			Timestamp: e.Timestamp,
			Nickname:  e.Nickname,
			File:      &FileInfo{Name: e.FileName, Type: e.FileType, Size: e.FileSize, Data: e.FileData},
		}), Outcome{}

	case protocol.Video:
		state.SelectedVideo = string(e)
		return state, Outcome{}

	case protocol.System:
		return r.AppendSystem(state, string(e)), Outcome{}

	case protocol.Nickname:
		return r.applyNickname(state, string(e)), Outcome{}

	case protocol.Reaction:
		next, _ := r.React(state, e.MessageID, e.Reaction)
		return next, Outcome{}

	case protocol.PlayerState:
		return state, Outcome{Player: &e}

	case protocol.PlaylistShare:
		return r.applyPlaylistShare(state, e), Outcome{}

	case protocol.Edit:
		next, _ := editMessage(state, SenderThem, e.MessageID, e.Content)
		return next, Outcome{}

	case protocol.Delete:
		next, _ := deleteMessage(state, SenderThem, e.MessageID)
		return next, Outcome{}

	default:
		return state, Outcome{}
	}
}

func (r *Reconciler) applyNickname(state State, name string) State {
	if name == "" || name == state.RemoteNickname {
		return state
	}

	prior := state.RemoteNickname
	state.RemoteNickname = name
	if prior == DefaultRemoteNickname {
		return r.AppendSystem(state, fmt.Sprintf("%s has joined the room", name))
	}
	return r.AppendSystem(state, fmt.Sprintf("%s changed their name to %s", prior, name))
}

func (r *Reconciler) applyPlaylistShare(state State, e protocol.PlaylistShare) State {
	fork := protocol.Playlist{
		ID:       r.newID(),
		Name:     e.Playlist.Name,
		Videos:   slices.Clone(e.Playlist.Videos),
		ReadOnly: true,
	}
	state.Playlists = append(slices.Clip(state.Playlists), fork)

	by := e.SharedBy
	if by == "" {
		by = state.RemoteNickname
	}
	return r.AppendSystem(state, fmt.Sprintf("%s shared the playlist %q (%d videos)", by, fork.Name, len(fork.Videos)))
}

// AppendLocal appends a message authored by the local user.
func (r *Reconciler) AppendLocal(state State, m Message) State {
	m.Sender = SenderMe
	if m.ID == "" {
		m.ID = r.newID()
	}
	if m.Timestamp == "" {
		m.Timestamp = r.Timestamp()
	}
	return state.appended(m)
}

// AppendSystem appends a notice.
func (r *Reconciler) AppendSystem(state State, text string) State {
	return state.appended(Message{
		ID:        r.newID(),
		Sender:    SenderSystem,
		Content:   text,
		Timestamp: r.Timestamp(),
	})
}

// EditLocal replaces the content of one of the local user's messages.
func (r *Reconciler) EditLocal(state State, id, content string) (State, bool) {
	return editMessage(state, SenderMe, id, content)
}

// DeleteLocal marks one of the local user's messages as deleted. The
// entry keeps its position in the log.
func (r *Reconciler) DeleteLocal(state State, id string) (State, bool) {
	return deleteMessage(state, SenderMe, id)
}

// React adds mark to the message with id. It reports false when the
// message is unknown or the same (emoji, by) pair is already present.
func (r *Reconciler) React(state State, id string, mark protocol.ReactionMark) (State, bool) {
	i := state.index(id)
	if i < 0 || slices.Contains(state.Messages[i].Reactions, mark) {
		return state, false
	}

	state = state.withMessages()
	m := &state.Messages[i]
	m.Reactions = append(slices.Clip(m.Reactions), mark)
	return state, true
}

// SavePlaylist stores a playlist created locally.
func (r *Reconciler) SavePlaylist(state State, p protocol.Playlist) State {
	if p.ID == "" {
		p.ID = r.newID()
	}
	p.Videos = slices.Clone(p.Videos)
	state.Playlists = append(slices.Clip(state.Playlists), p)
	return state
}

// Clear empties the chat log.
func (r *Reconciler) Clear(state State) State {
	state.Messages = nil
	return state
}

func editMessage(state State, author Sender, id, content string) (State, bool) {
	i := state.index(id)
	if i < 0 {
		return state, false
	}
	if m := state.Messages[i]; m.Sender != author || m.IsDeleted || m.File != nil {
		return state, false
	}

	state = state.withMessages()
	state.Messages[i].Content = content
	state.Messages[i].IsEdited = true
	return state, true
}

func deleteMessage(state State, author Sender, id string) (State, bool) {
	i := state.index(id)
	if i < 0 {
		return state, false
	}
	if m := state.Messages[i]; m.Sender != author || m.IsDeleted {
		return state, false
	}

	state = state.withMessages()
	state.Messages[i].IsDeleted = true
	return state, true
}
