package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

type commandKind int

const (
	cmdBroadcast commandKind = iota
	cmdPeers
	cmdSessions
	cmdConnect
	cmdDisconnect
	cmdMessage
	cmdHelp
	cmdQuit
)

type command struct {
	kind commandKind
	peer string
	text string
}

var errUsage = errors.New("usage")

// parseCommand turns one console line into a command. Lines without a
// leading slash are broadcast.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdBroadcast, text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "peers":
		return command{kind: cmdPeers}, nil
	case "sessions":
		return command{kind: cmdSessions}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "quit", "exit":
		return command{kind: cmdQuit}, nil
	case "connect", "disconnect":
		if rest == "" || strings.Contains(rest, " ") {
			return command{}, fmt.Errorf("%w: /%s <peer>", errUsage, name)
		}
		if name == "connect" {
			return command{kind: cmdConnect, peer: rest}, nil
		}
		return command{kind: cmdDisconnect, peer: rest}, nil
	case "msg":
		peer, text, ok := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if !ok || peer == "" || text == "" {
			return command{}, fmt.Errorf("%w: /msg <peer> <text>", errUsage)
		}
		return command{kind: cmdMessage, peer: peer, text: text}, nil
	}
	return command{}, fmt.Errorf("unknown command /%s (try /help)", name)
}

// runConsole reads commands from r until EOF, /quit or ctx ends.
func runConsole(ctx context.Context, mgr *signaling.Manager, r io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
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
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, err := parseCommand(line)
			if err != nil {
				util.LogWarning("%v", err)
				continue
			}
			if cmd.kind == cmdQuit {
				return
			}
			execute(ctx, mgr, cmd)
		}
	}
}

func execute(ctx context.Context, mgr *signaling.Manager, cmd command) {
	switch cmd.kind {
	case cmdBroadcast:
		n := mgr.Broadcast(cmd.text)
		if n == 0 {
			util.LogWarning("no connected peers")
		}
		util.LogDebug("broadcast delivered to %d peers", n)

	case cmdPeers:
		peers, err := mgr.GetPeerList(ctx)
		if err != nil {
			util.LogError("peer list: %v", err)
			return
		}
		printPeers(peers)

	case cmdSessions:
		printSessions(mgr.Sessions())

	case cmdConnect:
		if err := mgr.ConnectToPeer(ctx, cmd.peer); err != nil {
			util.LogError("%v", err)
			return
		}
		util.LogInfo("offer sent to %s", cmd.peer)

	case cmdDisconnect:
		if err := mgr.Disconnect(ctx, cmd.peer); err != nil {
			util.LogError("%v", err)
		}

	case cmdMessage:
		if err := mgr.SendToPeer(cmd.peer, cmd.text); err != nil {
			util.LogError("%v", err)
		}

	case cmdHelp:
		printHelp()
	}
}

func printHelp() {
	util.LogInfo("commands: /peers, /sessions, /connect <peer>, /disconnect <peer>, /msg <peer> <text>, /quit; other text is broadcast")
}
