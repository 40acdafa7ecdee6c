// Togetherly terminal companion client.
//
// Two users exchange a connection identifier (or join link), connect
// directly over WebRTC, and then chat, share files and playlists, keep a
// video player in sync and hold audio/video calls. The signaling broker
// (togetherly-signal) only relays SDP and ICE between identifiers.
//
// Flags: --config, --signal, --nickname, --peer, --debug. A missing
// nickname is asked for interactively.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/togetherly/internal/app"
	"github.com/1ureka/togetherly/internal/call"
	"github.com/1ureka/togetherly/internal/clock"
	"github.com/1ureka/togetherly/internal/config"
	"github.com/1ureka/togetherly/internal/connstate"
	"github.com/1ureka/togetherly/internal/identity"
	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/session"
	"github.com/1ureka/togetherly/internal/transport"
	"github.com/1ureka/togetherly/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := pflag.StringP("config", "c", "", "Path to a YAML config file")
	signalURL := pflag.String("signal", "", "Signaling broker URL (overrides config)")
	nickname := pflag.StringP("nickname", "n", "", "Display name shown to the peer")
	peer := pflag.StringP("peer", "p", "", "Identifier or join link to connect to on start")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if *debugMode {
		util.EnableDebug()
	} else if err := util.SetLogLevel(cfg.Logging.Level); err != nil {
		util.LogWarning("%v", err)
	}

	if *signalURL != "" {
		u, err := normalizeWSURL(*signalURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.Signal.URL = u
	}

	name := strings.TrimSpace(*nickname)
	if name == "" {
		name = cfg.User.Nickname
	}
	if name == "" {
		name = askNickname()
	}

	pterm.Info.Println(fmt.Sprintf("Togetherly v%s", version))
	pterm.Println()

	if err := run(ctx, cfg, name, *peer); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully closed session")
}

// run brings the session online and serves commands until ctx is done or
// the user quits.
func run(ctx context.Context, cfg *config.Config, name, peer string) error {
	codecs := codecSelector()
	ep, err := transport.NewPeerEndpoint(transport.PeerOptions{
		SignalURL:  cfg.Signal.URL,
		ICEServers: cfg.WebRTC.ICEServers,
		Codecs:     codecs,
	})
	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}

	clk := clock.Real()
	machine := connstate.New(clk)
	sess := session.New(ep, machine, clk, session.Options{
		DialTimeout:       cfg.Session.DialTimeout,
		RequestTimeout:    cfg.Session.RequestTimeout,
		OpenRetryDelay:    cfg.Session.OpenRetryDelay,
		MaxBufferedFrames: cfg.Session.MaxBufferedFrames,
	})
	defer sess.Close()

	calls := call.New(ep, sess, media.NewDeviceSource(codecs))
	a := app.New(sess, calls, clk, name)

	r := newRenderer()
	a.OnChange(r.render)
	unsubscribe := machine.Subscribe(r.status)
	defer unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.Run(runCtx)

	spinner, _ := pterm.DefaultSpinner.Start("Going online via " + cfg.Signal.URL)
	id, err := sess.Initialize(ctx)
	if err != nil {
		spinner.Fail("Could not go online")
		return err
	}
	spinner.Success("Online")

	pterm.DefaultBox.WithTitle("Share with your friend").Println(
		fmt.Sprintf("ID   : %s\nLink : %s", id, identity.JoinLink(cfg.Signal.JoinBase, id)))
	pterm.Println()
	pterm.Println(pterm.Gray("Type a message to chat, /help for commands."))

	util.StartStatsReporter(runCtx)

	if peer != "" {
		if err := connectTo(a, peer); err != nil {
			util.LogWarning("%v", err)
		}
	}

	return repl(runCtx, a, os.Stdin)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// connectTo dials an identifier or a join link.
func connectTo(a *app.App, target string) error {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		id, err := identity.ParseJoinLink(target)
		if err != nil {
			return err
		}
		target = id
	}
	return a.Connect(target)
}

// normalizeWSURL validates and normalizes a raw broker URL. Bare hosts
// default to wss; http(s) schemes map to ws(s).
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling URL: %s", raw)
	}
	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// askNickname prompts until a non-empty name is entered.
func askNickname() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your nickname").
			Show()

		if name := strings.TrimSpace(raw); name != "" {
			pterm.Println()
			return name
		}

		util.LogWarning("nickname must not be empty")
		pterm.Println()
	}
}
