package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/togetherly/internal/connstate"
	"github.com/1ureka/togetherly/internal/reconcile"
)

// shortIDLen is how much of a message ID is shown and accepted back.
const shortIDLen = 6

// renderer prints the chat log incrementally: new messages as they
// arrive, and changed ones (edits, deletes, reactions) again.
type renderer struct {
	mu         sync.Mutex
	shown      map[string]string // message ID -> last rendered line
	video      string
	lastStatus connstate.Status
}

func newRenderer() *renderer {
	return &renderer{shown: make(map[string]string)}
}

func (r *renderer) render(s reconcile.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(s.Messages) == 0 && len(r.shown) > 0 {
		r.shown = make(map[string]string)
		pterm.Println(pterm.Gray("── chat cleared ──"))
	}

	for _, m := range s.Messages {
		line := formatMessage(m, s.RemoteNickname)
		prev, seen := r.shown[m.ID]
		if seen && prev == line {
			continue
		}
		r.shown[m.ID] = line
		if seen {
			line = pterm.Gray("~ ") + line
		}
		pterm.Println(line)
	}

	if s.SelectedVideo != r.video {
		r.video = s.SelectedVideo
		pterm.Info.Println("Now watching: " + r.video)
	}
}

func (r *renderer) status(st connstate.State) {
	r.mu.Lock()
	changed := st.Status != r.lastStatus
	r.lastStatus = st.Status
	r.mu.Unlock()
	if !changed {
		return
	}

	text := fmt.Sprintf("Status: %s", st.Status)
	if st.Status == connstate.StatusConnecting && st.RetryCount > 0 {
		text += fmt.Sprintf(" (retry %d/%d)", st.RetryCount, connstate.MaxRetries)
	}
	if st.LastError != "" {
		text += ": " + st.LastError
	}
	if st.Status == connstate.StatusFailed {
		text += pterm.Gray("  /retry to try again")
	}
	pterm.Println(pterm.Gray(text))
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

func formatMessage(m reconcile.Message, remoteName string) string {
	if m.Sender == reconcile.SenderSystem {
		return pterm.Gray(fmt.Sprintf("[%s] * %s", m.Timestamp, m.Content))
	}

	who := pterm.FgCyan.Sprint("you")
	if m.Sender == reconcile.SenderThem {
		name := m.Nickname
		if name == "" {
			name = remoteName
		}
		who = pterm.FgGreen.Sprint(name)
	}

	body := m.Content
	switch {
	case m.IsDeleted:
		body = pterm.Gray("(deleted)")
	case m.File != nil:
		body = fmt.Sprintf("📎 %s (%s, %d bytes)", m.File.Name, m.File.Type, m.File.Size)
	case m.IsEdited:
		body += pterm.Gray(" (edited)")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s: %s", m.Timestamp, pterm.Gray(shortID(m.ID)), who, body)
	if len(m.Reactions) > 0 {
		b.WriteString("  ")
		for _, rc := range m.Reactions {
			b.WriteString(rc.Emoji)
		}
	}
	return b.String()
}
