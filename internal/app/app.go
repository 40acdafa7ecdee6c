// Package app wires the session, reconciler, playback synchronizer and
// call controller into one event loop and exposes the user's intents.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/1ureka/togetherly/internal/call"
	"github.com/1ureka/togetherly/internal/clock"
	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/playback"
	"github.com/1ureka/togetherly/internal/protocol"
	"github.com/1ureka/togetherly/internal/reconcile"
	"github.com/1ureka/togetherly/internal/session"
	"github.com/1ureka/togetherly/internal/transport"
	"github.com/1ureka/togetherly/internal/util"
)

var (
	ErrStopped         = errors.New("event loop is not running")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrUnknownMessage  = errors.New("no such message of yours")
	ErrAlreadyReacted  = errors.New("reaction already present")
	ErrEmptyPlaylist   = errors.New("playlist has no videos")
	ErrInvalidNickname = errors.New("nickname must not be empty")
)

// App is the application context. Run owns the room state: every change
// to it happens on the Run goroutine, either while handling a session
// event or inside an intent submitted through do.
type App struct {
	sess   *session.Session
	calls  *call.Controller
	rec    *reconcile.Reconciler
	player *playback.VirtualPlayer
	sync   *playback.Synchronizer

	actions chan func()
	done    chan struct{}

	mu       sync.Mutex
	state    reconcile.State
	nickname string
	onChange func(reconcile.State)
}

// New builds the application around sess and calls. The session treats
// the peer as busy while a call is active.
func New(sess *session.Session, calls *call.Controller, clk clock.Clock, nickname string) *App {
	return NewWithReconciler(sess, calls, reconcile.New(clk), clk, nickname)
}

// NewWithReconciler is New with a custom reconciler.
func NewWithReconciler(sess *session.Session, calls *call.Controller, rec *reconcile.Reconciler, clk clock.Clock, nickname string) *App {
	a := &App{
		sess:     sess,
		calls:    calls,
		rec:      rec,
		player:   playback.NewVirtualPlayer(clk),
		actions:  make(chan func()),
		done:     make(chan struct{}),
		state:    reconcile.NewState(),
		nickname: nickname,
	}
	a.sync = playback.NewSynchronizer(a.player, clk, a.broadcastPlayer)
	a.player.OnChange(func(event string) { a.sync.LocalChange(event) })
	sess.SetBusyFunc(calls.Active)
	return a
}

func (a *App) Session() *session.Session         { return a.sess }
func (a *App) Calls() *call.Controller           { return a.calls }
func (a *App) Player() *playback.VirtualPlayer   { return a.player }
func (a *App) Sync() *playback.Synchronizer      { return a.sync }
func (a *App) Reconciler() *reconcile.Reconciler { return a.rec }

// State returns a snapshot of the room state.
func (a *App) State() reconcile.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Nickname returns the local display name.
func (a *App) Nickname() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nickname
}

// OnChange registers fn to receive every new state. fn runs on the Run
// goroutine and must not call intents.
func (a *App) OnChange(fn func(reconcile.State)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Run consumes session events until ctx is done or the session closes.
func (a *App) Run(ctx context.Context) error {
	defer close(a.done)
	defer a.sync.Close()

	events := a.sess.Events()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.handle(e)

		case fn := <-a.actions:
			fn()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// do runs fn on the Run goroutine and waits for its result.
func (a *App) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case a.actions <- func() { errc <- fn() }:
		return <-errc
	case <-a.done:
		return ErrStopped
	}
}

// update replaces the state. Called on the Run goroutine only.
func (a *App) update(fn func(reconcile.State) reconcile.State) {
	a.mu.Lock()
	a.state = fn(a.state)
	next, onChange := a.state, a.onChange
	a.mu.Unlock()

	if onChange != nil {
		onChange(next)
	}
}

func (a *App) system(text string) {
	a.update(func(s reconcile.State) reconcile.State { return a.rec.AppendSystem(s, text) })
}

func (a *App) handle(e session.Event) {
	switch e.Type {
	case session.EventReady:
		util.LogDebug("Session ready as %s", e.LocalID)

	case session.EventInitFailed:
		a.system(fmt.Sprintf("Could not go online: %v", e.Err))

	case session.EventIncomingRequest:
		from := e.PeerID
		if name := e.Metadata["nickname"]; name != "" {
			from = fmt.Sprintf("%s (%s)", name, e.PeerID)
		}
		a.system(fmt.Sprintf("%s wants to connect", from))

	case session.EventRequestCancelled:
		a.system(fmt.Sprintf("Connection request from %s was withdrawn", e.PeerID))

	case session.EventConnected:
		a.system(fmt.Sprintf("Connected to %s", e.PeerID))
		a.announceNickname()

	case session.EventEnvelope:
		a.applyEnvelope(e.Envelope)

	case session.EventNotice, session.EventTimeout:
		if e.Notice != "" {
			a.system(e.Notice)
		}

	case session.EventDisconnected:
		a.calls.EndCall()
		a.sync.Close()
		a.system(e.Notice)

	case session.EventCallStarted:
		a.system(fmt.Sprintf("%s call with %s started", capitalize(string(e.Kind)), e.PeerID))

	case session.EventCallStream:
		util.LogInfo("Receiving %d track(s) from %s", len(e.Stream.Tracks()), e.PeerID)

	case session.EventCallEnded:
		a.system(e.Notice)
	}
}

func (a *App) applyEnvelope(env protocol.Envelope) {
	var out reconcile.Outcome
	a.update(func(s reconcile.State) reconcile.State {
		next, o := a.rec.Apply(s, env)
		out = o
		return next
	})
	if out.Player != nil {
		a.sync.Apply(*out.Player)
	}
}

// announceNickname sends the local name once a channel opens; names are
// not retransmitted otherwise.
func (a *App) announceNickname() {
	if name := a.Nickname(); name != "" {
		if err := a.sess.Send(protocol.Nickname(name)); err != nil {
			util.LogDebug("Nickname not announced: %v", err)
		}
	}
}

func (a *App) broadcastPlayer(ps protocol.PlayerState) {
	if !a.sess.Connected() {
		return
	}
	if err := a.sess.Send(ps); err != nil {
		util.LogDebug("Player state not sent: %v", err)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ──────────────────────────────────────────────────────────────────────────────
// Connection intents
// ──────────────────────────────────────────────────────────────────────────────

// Connect dials remoteID, announcing the local nickname in the request.
func (a *App) Connect(remoteID string) error {
	return a.sess.ConnectToPeer(remoteID, transport.Metadata{"nickname": a.Nickname()})
}

func (a *App) Accept() error { return a.sess.AcceptConnection() }
func (a *App) Reject() error { return a.sess.RejectConnection() }
func (a *App) Retry() error  { return a.sess.Retry() }

// Disconnect ends the call, if any, and closes the channel.
func (a *App) Disconnect() {
	a.calls.EndCall()
	a.sess.Disconnect()
}

// ──────────────────────────────────────────────────────────────────────────────
// Chat intents
// ──────────────────────────────────────────────────────────────────────────────

// SendChat appends text to the log and sends it. The message stays in the
// local log when sending fails; the session posts a notice in that case.
func (a *App) SendChat(text string) (id string, err error) {
	if text == "" {
		return "", ErrEmptyMessage
	}
	err = a.do(func() error {
		chat := protocol.Chat{ID: a.rec.NewID(), Content: text, Timestamp: a.rec.Timestamp(), Nickname: a.Nickname()}
		id = chat.ID
		a.update(func(s reconcile.State) reconcile.State {
			return a.rec.AppendLocal(s, reconcile.Message{
				ID:        chat.ID,
				Content:   chat.Content,
				Timestamp: chat.Timestamp,
				Nickname:  chat.Nickname,
			})
		})
		return a.sess.Send(chat)
	})
	return id, err
}

// SendFile shares data inline. Files over protocol.MaxFileSize are refused
// before anything is appended.
func (a *App) SendFile(name string, data []byte) (id string, err error) {
	err = a.do(func() error {
		f, err := protocol.NewFile(a.rec.NewID(), name, "", data, a.rec.Timestamp(), a.Nickname())
		if err != nil {
			a.system(fmt.Sprintf("File not sent: %v", err))
			return err
		}
		id = f.ID
		a.update(func(s reconcile.State) reconcile.State {
			return a.rec.AppendLocal(s, reconcile.Message{
				ID:        f.ID,
				Content:   f.FileName,
				Timestamp: f.Timestamp,
				Nickname:  f.Nickname,
				File:      &reconcile.FileInfo{Name: f.FileName, Type: f.FileType, Size: f.FileSize, Data: f.FileData},
			})
		})
		return a.sess.Send(f)
	})
	return id, err
}

// React adds emoji to a message on both sides.
func (a *App) React(messageID, emoji string) error {
	return a.do(func() error {
		mark := protocol.ReactionMark{Emoji: emoji, By: a.reactor()}
		var ok bool
		a.update(func(s reconcile.State) reconcile.State {
			next, changed := a.rec.React(s, messageID, mark)
			ok = changed
			return next
		})
		if !ok {
			if _, found := a.State().Find(messageID); !found {
				return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
			}
			return ErrAlreadyReacted
		}
		return a.sess.Send(protocol.Reaction{MessageID: messageID, Reaction: mark})
	})
}

func (a *App) reactor() string {
	if name := a.Nickname(); name != "" {
		return name
	}
	return a.sess.LocalID()
}

// Edit replaces the content of one of the local user's messages and tells
// the peer.
func (a *App) Edit(messageID, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}
	return a.do(func() error {
		var ok bool
		a.update(func(s reconcile.State) reconcile.State {
			next, changed := a.rec.EditLocal(s, messageID, content)
			ok = changed
			return next
		})
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
		}
		return a.sess.Send(protocol.Edit{MessageID: messageID, Content: content})
	})
}

// Delete marks one of the local user's messages as deleted on both sides.
func (a *App) Delete(messageID string) error {
	return a.do(func() error {
		var ok bool
		a.update(func(s reconcile.State) reconcile.State {
			next, changed := a.rec.DeleteLocal(s, messageID)
			ok = changed
			return next
		})
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
		}
		return a.sess.Send(protocol.Delete{MessageID: messageID})
	})
}

// Clear empties the local log only.
func (a *App) Clear() error {
	return a.do(func() error {
		a.update(a.rec.Clear)
		return nil
	})
}

// SetNickname changes the local name and announces it when connected.
func (a *App) SetNickname(name string) error {
	if name == "" {
		return ErrInvalidNickname
	}
	return a.do(func() error {
		a.mu.Lock()
		a.nickname = name
		a.mu.Unlock()

		a.system(fmt.Sprintf("You are now %s", name))
		if !a.sess.Connected() {
			return nil
		}
		return a.sess.Send(protocol.Nickname(name))
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Video and playlist intents
// ──────────────────────────────────────────────────────────────────────────────

// SelectVideo switches both peers to videoID.
func (a *App) SelectVideo(videoID string) error {
	return a.do(func() error {
		a.update(func(s reconcile.State) reconcile.State {
			s.SelectedVideo = videoID
			return s
		})
		return a.sess.Send(protocol.Video(videoID))
	})
}

// SharePlaylist saves a playlist locally and hands a copy to the peer.
func (a *App) SharePlaylist(name string, videos []string) error {
	if len(videos) == 0 {
		return ErrEmptyPlaylist
	}
	return a.do(func() error {
		p := protocol.Playlist{ID: a.rec.NewID(), Name: name, Videos: videos}
		a.update(func(s reconcile.State) reconcile.State { return a.rec.SavePlaylist(s, p) })
		return a.sess.Send(protocol.PlaylistShare{Playlist: p, SharedBy: a.Nickname(), Timestamp: a.rec.Timestamp()})
	})
}

// Play, Pause and Seek drive the local player; the synchronizer forwards
// the resulting changes to the peer.
func (a *App) Play()                { a.player.Play() }
func (a *App) Pause()               { a.player.Pause() }
func (a *App) Seek(seconds float64) { a.player.Seek(seconds) }

// ──────────────────────────────────────────────────────────────────────────────
// Call intents
// ──────────────────────────────────────────────────────────────────────────────

func (a *App) StartCall(ctx context.Context, kind media.Kind) error {
	return a.calls.StartCall(ctx, kind)
}

func (a *App) EndCall() { a.calls.EndCall() }

// ToggleMedia mutes or unmutes the local track of kind.
func (a *App) ToggleMedia(kind media.Kind) (enabled, ok bool) {
	return a.calls.ToggleMedia(kind)
}
