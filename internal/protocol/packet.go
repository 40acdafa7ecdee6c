// Package protocol defines the envelopes exchanged over the peer data
// channel and their JSON wire form.
package protocol

// Envelope type tags as they appear in the "type" field on the wire.
const (
	TypeChat          = "chat"
	TypeFile          = "file"
	TypeVideo         = "video"
	TypeSystem        = "system"
	TypeNickname      = "nickname"
	TypeReaction      = "reaction"
	TypePlayerState   = "player_state"
	TypePlaylistShare = "playlist_share"
	TypeEdit          = "edit"
	TypeDelete        = "delete"
)

// Envelope is the sealed set of messages a peer can send. The concrete
// variants are the types in this file; switch on them exhaustively.
type Envelope interface {
	// Type returns the wire tag of the variant.
	Type() string
	envelope()
}

// Chat is a text message.
type Chat struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Nickname  string `json:"nickname,omitempty"`
}

// File carries a whole file inline as a data URL.
type File struct {
	ID        string `json:"id"`
	FileName  string `json:"fileName"`
	FileType  string `json:"fileType"`
	FileSize  int64  `json:"fileSize"`
	FileData  string `json:"fileData"`
	Timestamp string `json:"timestamp"`
	Nickname  string `json:"nickname,omitempty"`
}

// Video selects the video both peers watch.
type Video string

// System is a human-readable notice.
type System string

// Nickname announces the sender's display name.
type Nickname string

// Reaction attaches an emoji to the message with MessageID.
type Reaction struct {
	MessageID string       `json:"messageId"`
	Reaction  ReactionMark `json:"reaction"`
}

// ReactionMark is one (emoji, author) pair on a message.
type ReactionMark struct {
	Emoji string `json:"emoji"`
	By    string `json:"by"`
}

// Player events.
const (
	EventPlay  = "play"
	EventPause = "pause"
)

// PlayerState is a playback synchronization instruction.
type PlayerState struct {
	Event       string  `json:"event"`
	CurrentTime float64 `json:"currentTime"`
}

// Playlist is a named, ordered list of video identifiers.
type Playlist struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Videos   []string `json:"videos"`
	ReadOnly bool     `json:"readOnly,omitempty"`
}

// PlaylistShare hands a copy of a playlist to the peer.
type PlaylistShare struct {
	Playlist  Playlist `json:"playlist"`
	SharedBy  string   `json:"sharedBy"`
	Timestamp string   `json:"timestamp"`
}

// Edit replaces the content of one of the sender's messages.
type Edit struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// Delete marks one of the sender's messages as deleted.
type Delete struct {
	MessageID string `json:"messageId"`
}

func (Chat) Type() string          { return TypeChat }
func (File) Type() string          { return TypeFile }
func (Video) Type() string         { return TypeVideo }
func (System) Type() string        { return TypeSystem }
func (Nickname) Type() string      { return TypeNickname }
func (Reaction) Type() string      { return TypeReaction }
func (PlayerState) Type() string   { return TypePlayerState }
func (PlaylistShare) Type() string { return TypePlaylistShare }
func (Edit) Type() string          { return TypeEdit }
func (Delete) Type() string        { return TypeDelete }

func (Chat) envelope()          {}
func (File) envelope()          {}
func (Video) envelope()         {}
func (System) envelope()        {}
func (Nickname) envelope()      {}
func (Reaction) envelope()      {}
func (PlayerState) envelope()   {}
func (PlaylistShare) envelope() {}
func (Edit) envelope()          {}
func (Delete) envelope()        {}
