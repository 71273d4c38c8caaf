// peerlink — CLI entry point.
//
// This tool registers with a tracker, keeps a control channel to it and opens
// direct WebRTC DataChannel sessions with other registered peers. Text typed
// at the prompt is broadcast to every connected peer; slash commands list,
// connect and message peers individually.
//
// It can be launched interactively (no -username) or non-interactively via
// CLI flags (-username, -tracker, -connect) and an optional YAML -config.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	username := flag.String("username", "", "Identity to register with the tracker")
	trackers := flag.String("tracker", "", "Comma-separated tracker URLs (e.g. http://127.0.0.1:9001)")
	connectTo := flag.String("connect", "", "Peer to connect to once registered")
	statsEvery := flag.Duration("stats", 0, "Log traffic statistics at this interval (0 disables)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *username != "" {
		cfg.Username = *username
	}
	if *trackers != "" {
		cfg.Trackers = splitList(*trackers)
	}
	if *debugMode {
		cfg.Debug = true
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("peerlink — v%s", version))
	pterm.Println()

	if strings.TrimSpace(cfg.Username) == "" {
		// No identity given → interactive mode.
		cfg.Username = askUsername()
		if *trackers == "" && *configPath == "" {
			cfg.Trackers = []string{askTracker()}
		}
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	run(ctx, cfg, *connectTo, *statsEvery)
	util.LogInfo("successfully closed signaling session")
}

// run starts the manager and drives the console until ctx ends or the user
// quits.
func run(ctx context.Context, cfg config.Config, connectTo string, statsEvery time.Duration) {
	mgr := signaling.NewManager(cfg)
	if err := mgr.Start(ctx); err != nil {
		util.LogError("failed to start: %v", err)
		os.Exit(1)
	}
	defer mgr.Stop()

	reg := mgr.Registration()
	util.LogSuccess("online as %s (%s:%d)", cfg.Username, reg.Address, reg.Port)

	statuses, cancel := mgr.Subscribe()
	defer cancel()
	go printStatuses(statuses)

	mgr.OnMessage(printMessage)

	if statsEvery > 0 {
		util.StartStatsReporter(ctx, mgr.Stats(), statsEvery)
	}

	if connectTo != "" {
		if err := mgr.ConnectToPeer(ctx, connectTo); err != nil {
			util.LogError("connect %s: %v", connectTo, err)
		}
	}

	printHelp()
	runConsole(ctx, mgr, os.Stdin)
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func printStatuses(ch <-chan signaling.Status) {
	for st := range ch {
		switch st.Kind {
		case signaling.StatusConnected:
			util.LogSuccess("%s connected", st.PeerID)
		case signaling.StatusError:
			util.LogError("%s: negotiation failed", st.PeerID)
		case signaling.StatusDisconnected:
			if st.PeerID == signaling.SelfID {
				util.LogError("lost the tracker; restart to reconnect")
				continue
			}
			util.LogWarning("%s disconnected", st.PeerID)
		default:
			util.LogDebug("%s %s", st.PeerID, st.Kind)
		}
	}
}

func printMessage(from string, msg protocol.AppMessage) error {
	var text string
	if err := json.Unmarshal(msg.Message, &text); err != nil {
		text = string(msg.Message)
	}
	pterm.Println(fmt.Sprintf("%s %s: %s",
		pterm.Gray(msg.Time().Format("15:04:05")), pterm.Cyan(from), text))
	return nil
}

func printPeers(peers []protocol.PeerInfo) {
	if len(peers) == 0 {
		util.LogInfo("no other peers registered")
		return
	}
	data := pterm.TableData{{"Peer", "Address"}}
	for _, p := range peers {
		addr := "-"
		if p.IP != "" {
			addr = fmt.Sprintf("%s:%d", p.IP, p.Port)
		}
		data = append(data, []string{p.Username, addr})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printSessions(sessions []signaling.SessionInfo) {
	if len(sessions) == 0 {
		util.LogInfo("no sessions")
		return
	}
	data := pterm.TableData{{"Peer", "Role", "State", "Idle"}}
	for _, s := range sessions {
		data = append(data, []string{
			s.PeerID,
			s.Role.String(),
			s.State.String(),
			time.Since(s.LastActivityAt).Truncate(time.Second).String(),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// askUsername prompts for a non-empty identity.
func askUsername() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Username").
			Show()

		if name := strings.TrimSpace(raw); name != "" && !strings.ContainsAny(name, " \t/") {
			pterm.Println()
			return name
		}

		util.LogWarning("invalid username: must be non-empty without spaces or '/'")
		pterm.Println()
	}
}

// askTracker prompts for a tracker URL, defaulting to the local one.
func askTracker() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Tracker URL (empty for %s)", config.DefaultTracker)).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return config.DefaultTracker
		}

		probe := config.Default()
		probe.Username = "probe"
		probe.Trackers = []string{raw}
		if err := probe.Validate(); err == nil {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter an http(s) URL")
	}
}
