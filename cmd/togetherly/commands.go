package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/togetherly/internal/app"
	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/util"
)

var errQuit = errors.New("quit")

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, a *app.App, args string) error
}

var commands = map[string]command{
	"connect": {"/connect <id|link>", "Connect to a peer", func(_ context.Context, a *app.App, args string) error {
		if args == "" {
			return errors.New("usage: /connect <id|link>")
		}
		return connectTo(a, args)
	}},
	"accept":     {"/accept", "Accept the pending connection request", func(_ context.Context, a *app.App, _ string) error { return a.Accept() }},
	"reject":     {"/reject", "Reject the pending connection request", func(_ context.Context, a *app.App, _ string) error { return a.Reject() }},
	"retry":      {"/retry", "Retry the last connection attempt", func(_ context.Context, a *app.App, _ string) error { return a.Retry() }},
	"disconnect": {"/disconnect", "Close the connection", func(_ context.Context, a *app.App, _ string) error { a.Disconnect(); return nil }},

	"video": {"/video <id>", "Watch a video together", func(_ context.Context, a *app.App, args string) error {
		if args == "" {
			return errors.New("usage: /video <id>")
		}
		return a.SelectVideo(args)
	}},
	"play":  {"/play", "Resume playback", func(_ context.Context, a *app.App, _ string) error { a.Play(); return nil }},
	"pause": {"/pause", "Pause playback", func(_ context.Context, a *app.App, _ string) error { a.Pause(); return nil }},
	"seek": {"/seek <seconds>", "Jump to a position", func(_ context.Context, a *app.App, args string) error {
		s, err := strconv.ParseFloat(args, 64)
		if err != nil {
			return errors.New("usage: /seek <seconds>")
		}
		a.Seek(s)
		return nil
	}},

	"nick": {"/nick <name>", "Change your nickname", func(_ context.Context, a *app.App, args string) error {
		return a.SetNickname(args)
	}},
	"react": {"/react <msg> <emoji>", "React to a message", func(_ context.Context, a *app.App, args string) error {
		ref, emoji, ok := strings.Cut(args, " ")
		if !ok || strings.TrimSpace(emoji) == "" {
			return errors.New("usage: /react <msg> <emoji>")
		}
		id, err := resolveMessage(a, ref)
		if err != nil {
			return err
		}
		return a.React(id, strings.TrimSpace(emoji))
	}},
	"edit": {"/edit <msg> <text>", "Edit one of your messages", func(_ context.Context, a *app.App, args string) error {
		ref, text, ok := strings.Cut(args, " ")
		if !ok {
			return errors.New("usage: /edit <msg> <text>")
		}
		id, err := resolveMessage(a, ref)
		if err != nil {
			return err
		}
		return a.Edit(id, strings.TrimSpace(text))
	}},
	"delete": {"/delete <msg>", "Delete one of your messages", func(_ context.Context, a *app.App, args string) error {
		id, err := resolveMessage(a, args)
		if err != nil {
			return err
		}
		return a.Delete(id)
	}},
	"clear": {"/clear", "Clear the chat log (local only)", func(_ context.Context, a *app.App, _ string) error { return a.Clear() }},
	"file": {"/file <path>", "Send a file (up to 5MB)", func(_ context.Context, a *app.App, args string) error {
		data, err := os.ReadFile(args)
		if err != nil {
			return err
		}
		_, err = a.SendFile(filepath.Base(args), data)
		return err
	}},
	"share": {"/share <name> <id,...>", "Share a playlist", func(_ context.Context, a *app.App, args string) error {
		name, list, ok := strings.Cut(args, " ")
		if !ok {
			return errors.New("usage: /share <name> <id,...>")
		}
		var videos []string
		for _, v := range strings.Split(list, ",") {
			if v = strings.TrimSpace(v); v != "" {
				videos = append(videos, v)
			}
		}
		return a.SharePlaylist(name, videos)
	}},

	"call": {"/call audio|video", "Start a call", func(ctx context.Context, a *app.App, args string) error {
		kind := media.Kind(args)
		if kind == "" {
			kind = media.KindVideo
		}
		return a.StartCall(ctx, kind)
	}},
	"hangup": {"/hangup", "End the call", func(_ context.Context, a *app.App, _ string) error { a.EndCall(); return nil }},
	"mute": {"/mute audio|video", "Toggle your microphone or camera", func(_ context.Context, a *app.App, args string) error {
		kind := media.Kind(args)
		if kind == "" {
			kind = media.KindAudio
		}
		enabled, ok := a.ToggleMedia(kind)
		if !ok {
			return fmt.Errorf("no %s track in the current call", kind)
		}
		state := "muted"
		if enabled {
			state = "unmuted"
		}
		pterm.Info.Println(fmt.Sprintf("%s %s", kind, state))
		return nil
	}},

	"quit": {"/quit", "Leave", func(context.Context, *app.App, string) error { return errQuit }},
}

// resolveMessage expands a shown message ID prefix to the full ID.
func resolveMessage(a *app.App, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("missing message reference")
	}
	var match string
	for _, m := range a.State().Messages {
		if !strings.HasPrefix(m.ID, ref) {
			continue
		}
		if match != "" && match != m.ID {
			return "", fmt.Errorf("message reference %q is ambiguous", ref)
		}
		match = m.ID
	}
	if match == "" {
		return "", fmt.Errorf("no message %q", ref)
	}
	return match, nil
}

func printHelp() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	data := pterm.TableData{{"Command", "Description"}}
	for _, name := range names {
		data = append(data, []string{commands[name].usage, commands[name].help})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// dispatch runs one input line: plain text is chat, /name runs a command.
func dispatch(ctx context.Context, a *app.App, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := a.SendChat(line)
		return err
	}

	name, args, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	if name == "help" {
		printHelp()
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return cmd.run(ctx, a, strings.TrimSpace(args))
}

// repl reads commands from in until ctx is done, input ends or /quit.
func repl(ctx context.Context, a *app.App, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			err := dispatch(ctx, a, line)
			switch {
			case errors.Is(err, errQuit):
				a.Disconnect()
				return nil
			case err != nil:
				util.LogWarning("%v", err)
			}
		}
	}
}
