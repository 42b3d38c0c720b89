// meshcall: interactive CLI client.
//
// It connects to a signaling server, lists the user's chats and places or
// answers mesh voice and video calls in them. Settings come from the config
// file and MESHCALL_* variables; flags override both.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/meshcall/internal/call"
	"github.com/1ureka/meshcall/internal/config"
	"github.com/1ureka/meshcall/internal/directory"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/transport"
	"github.com/1ureka/meshcall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "YAML config file (default $MESHCALL_CONFIG)")
	urlFlag := flag.String("url", "", "Signaling WebSocket URL (overrides server.url)")
	tokenFlag := flag.String("token", "", "Session token (overrides server.token)")
	login := flag.String("login", "", "Username or email to log in with instead of a token")
	password := flag.String("password", "", "Password for -login")
	devices := flag.Bool("devices", false, "Capture from real camera and microphone (mediadevices builds)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *debugMode || cfg.Log.Debug {
		util.EnableDebug()
	}
	if *urlFlag != "" {
		cfg.Server.URL = *urlFlag
	}
	if *tokenFlag != "" {
		cfg.Server.Token = *tokenFlag
	}

	pterm.Info.Println(fmt.Sprintf("meshcall v%s", version))
	pterm.Println()

	if cfg.Server.Token == "" && *login == "" {
		*login, _ = pterm.DefaultInteractiveTextInput.WithDefaultText("Username or email").Show()
		*password, _ = pterm.DefaultInteractiveTextInput.WithMask("*").WithDefaultText("Password").Show()
		pterm.Println()
	}

	wsURL, err := normalizeWSURL(cfg.Server.URL, cfg.Server.Token)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, wsURL, *login, *password, *devices); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("disconnected")
}

// run connects, identifies the user and serves commands until ctx ends or
// the user quits.
func run(ctx context.Context, cfg *config.Config, wsURL, login, password string, devices bool) error {
	tr := transport.New(cfg.TransportOptions())
	defer tr.Disconnect()

	if err := connect(ctx, tr, wsURL); err != nil {
		return err
	}

	dir := directory.New(tr, cfg.Transport.AuthTimeout)
	defer dir.Close()

	me, err := authenticate(ctx, tr, dir, cfg.Server.URL, login, password)
	if err != nil {
		return err
	}
	if _, err := dir.LoadChats(ctx); err != nil {
		return err
	}
	dir.UpdatePresence(protocol.StatusOnline)

	capturer, err := newCapturer(devices)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	client, err := call.NewClient(call.Options{
		Link:     tr,
		Roster:   dir,
		Identity: dir,
		Capturer: capturer,
		ICE:      cfg.ICEConfig(),
		VAD:      cfg.VADOptions(),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	watchCall(client, dir)
	util.StartStatsReporter(ctx)
	util.LogSuccess("signed in as %s", displayName(me))
	printChats(dir)
	printHelp()

	return serve(ctx, client, dir)
}

// authenticate identifies the connection. A password login switches the
// transport to the issued token so reconnects stay signed in.
func authenticate(ctx context.Context, tr *transport.Transport, dir *directory.Directory, server, login, password string) (protocol.User, error) {
	if login == "" {
		return dir.Me(ctx)
	}
	resp, err := dir.Login(ctx, login, password)
	if err != nil {
		return protocol.User{}, err
	}
	if resp.Token != "" {
		wsURL, err := normalizeWSURL(server, resp.Token)
		if err != nil {
			return protocol.User{}, err
		}
		tr.SetURL(wsURL)
	}
	return resp.User, nil
}

// connect dials the server and, when the first attempt fails, waits for a
// scheduled retry to succeed.
func connect(ctx context.Context, tr *transport.Transport, wsURL string) error {
	up := make(chan struct{}, 1)
	off := tr.OnStateChange(func(connected bool) {
		if connected {
			select {
			case up <- struct{}{}:
			default:
			}
		}
	})
	defer off()

	err := tr.Connect(ctx, wsURL)
	if err == nil {
		return nil
	}
	if !errors.Is(err, transport.ErrUnavailable) {
		return err
	}
	util.LogWarning("%v; retrying in the background", err)

	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchCall logs call transitions and keeps presence in step with them.
func watchCall(client *call.Client, dir *directory.Directory) {
	var prev call.State
	client.OnChange(func(s call.State) {
		defer func() { prev = s }()

		if s.Incoming != nil && prev.Incoming == nil {
			pterm.Info.Printfln("incoming %s call from %s in %s (accept / decline)",
				s.Incoming.CallType, s.Incoming.FromUserID, s.Incoming.ChatID)
		}
		if s.Phase == prev.Phase {
			if s.MediaError != "" && s.MediaError != prev.MediaError {
				util.LogWarning("media: %s", s.MediaError)
			}
			return
		}

		switch s.Phase {
		case call.PhaseRingingOut:
			util.LogInfo("ringing %s", s.ChatID)
		case call.PhaseActive:
			util.LogSuccess("in a %s call with %s", s.CallType, s.CallPeerID)
			dir.UpdatePresence(protocol.StatusBusy)
		case call.PhaseIdle:
			if prev.Phase == call.PhaseActive || prev.Phase == call.PhaseRingingOut {
				util.LogInfo("call ended")
			}
			dir.UpdatePresence(protocol.StatusOnline)
		}
	})
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// serve reads commands from stdin until ctx ends, stdin closes or quit.
func serve(ctx context.Context, client *call.Client, dir *directory.Directory) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
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
			quit, err := execute(ctx, client, dir, strings.Fields(line))
			if err != nil {
				util.LogWarning("%v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether the user quit.
func execute(ctx context.Context, client *call.Client, dir *directory.Directory, args []string) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}
	switch args[0] {
	case "chats":
		printChats(dir)
	case "call":
		if len(args) < 2 {
			return false, errors.New("usage: call <chat-id> [audio|video]")
		}
		var ct signaling.CallType
		if len(args) > 2 {
			ct = signaling.CallType(args[2])
			if ct != signaling.CallAudio && ct != signaling.CallVideo {
				return false, fmt.Errorf("unknown call type %q", args[2])
			}
		}
		return false, client.StartCall(args[1], ct)
	case "accept":
		return false, client.AcceptIncomingCall()
	case "decline":
		return false, client.DeclineIncomingCall()
	case "end", "hangup":
		return false, client.EndCall()
	case "mic":
		on, err := client.ToggleMic()
		if err == nil {
			util.LogInfo("microphone %s", onOff(on))
		}
		return false, err
	case "cam":
		on, err := client.ToggleCamera()
		if err == nil {
			util.LogInfo("camera %s", onOff(on))
		}
		return false, err
	case "share":
		on, err := client.ToggleScreenShare(ctx)
		if err == nil {
			util.LogInfo("screen share %s", onOff(on))
		}
		return false, err
	case "status":
		printStatus(client.Snapshot())
	case "help":
		printHelp()
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", args[0])
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func printHelp() {
	pterm.DefaultSection.Println("Commands")
	pterm.Println("  chats                      list chats")
	pterm.Println("  call <chat-id> [type]      start an audio or video call (default video)")
	pterm.Println("  accept | decline           answer the incoming call")
	pterm.Println("  end                        hang up")
	pterm.Println("  mic | cam | share          toggle microphone, camera, screen share")
	pterm.Println("  status                     show the call state")
	pterm.Println("  quit")
	pterm.Println()
}

func printChats(dir *directory.Directory) {
	data := pterm.TableData{{"ID", "Type", "Title", "Members"}}
	for _, c := range dir.Chats() {
		names := make([]string, 0, len(c.Members))
		for _, m := range c.Members {
			names = append(names, fmt.Sprintf("%s (%s)", displayName(m), m.Status))
		}
		data = append(data, []string{c.ID, c.Type, c.Title, strings.Join(names, ", ")})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		util.LogWarning("render chats: %v", err)
	}
	pterm.Println()
}

func printStatus(s call.State) {
	data := pterm.TableData{
		{"Phase", s.Phase.String()},
		{"Chat", s.ChatID},
		{"Type", string(s.CallType)},
		{"Peer", s.CallPeerID},
		{"Peers", strings.Join(s.Peers, ", ")},
		{"Receiving", strings.Join(s.RemoteStreams, ", ")},
		{"Mic / Camera / Share", fmt.Sprintf("%s / %s / %s", onOff(s.Mic), onOff(s.Camera), onOff(s.ScreenShare))},
	}
	var speaking []string
	for id, on := range s.Speaking {
		if on {
			speaking = append(speaking, id)
		}
	}
	data = append(data, []string{"Speaking", strings.Join(speaking, ", ")})
	if s.MediaError != "" {
		data = append(data, []string{"Media error", s.MediaError})
	}
	if err := pterm.DefaultTable.WithData(data).Render(); err != nil {
		util.LogWarning("render status: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a raw server address and returns its /ws
// endpoint, carrying token as a query parameter when set.
func normalizeWSURL(raw, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	switch u.Scheme {
	case "ws", "wss":
		scheme = u.Scheme
	case "http":
		scheme = "ws"
	}
	out := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws"}
	if token != "" {
		out.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return out.String(), nil
}

func displayName(u protocol.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
