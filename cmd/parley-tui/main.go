// ABOUTME: Terminal client for parley chat sessions over websocket
// ABOUTME: Renders the sentinel protocol with in-place streamed replies

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/fatih/color"

	"github.com/parleyhq/parley/internal/session"
)

// getToken returns the JWT token from the PARLEY_TOKEN env var or the
// ~/.config/parley/token file.
func getToken() string {
	if token := os.Getenv("PARLEY_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "parley", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to TOML config file")
	server := flag.String("server", "", "Gateway server URL (overrides config)")
	user := flag.String("user", "", "User id to chat as (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Gateway.URL = *server
	}
	if *user != "" {
		cfg.Chat.UserID = *user
	}
	if cfg.Chat.UserID == "" {
		fmt.Fprintln(os.Stderr, "Error: user id required (set --user or chat.user_id in config)")
		os.Exit(1)
	}

	fmt.Printf("parley-tui connecting to %s as %s\n", cfg.Gateway.URL, cfg.Chat.UserID)
	if getToken() != "" {
		fmt.Println("Auth: JWT token configured (PARLEY_TOKEN)")
	} else {
		fmt.Println("Auth: none (set PARLEY_TOKEN for authentication)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, cfg *Config) error {
	url := cfg.Gateway.URL + "/chat/" + cfg.Chat.UserID
	if token := getToken(); token != "" {
		url += "?token=" + token
	} else {
		url += "?token=anonymous"
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	defer conn.CloseNow()
	// Streamed replies can be long
	conn.SetReadLimit(1 << 20)

	r := newRenderer()
	readerDone := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readerDone <- err
				return
			}
			r.render(string(data))
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case err := <-readerDone:
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return fmt.Errorf("rejected by gateway: check your token")
			}
			return fmt.Errorf("connection closed: %w", err)
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			printHelp()
		case line == "/list":
			r.printConversations()
		case strings.HasPrefix(line, "/switch "):
			target := strings.TrimSpace(strings.TrimPrefix(line, "/switch "))
			if err := conn.Write(ctx, websocket.MessageText, []byte(session.MarkerSwitchConversation)); err != nil {
				return fmt.Errorf("sending switch command: %w", err)
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(target)); err != nil {
				return fmt.Errorf("sending switch target: %w", err)
			}
		default:
			if err := conn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
				return fmt.Errorf("sending message: %w", err)
			}
		}
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /list           Show known conversation ids")
	fmt.Println("  /switch <id>    Switch to another conversation")
	fmt.Println("  /quit           Exit")
}

// rendererMode tracks which protocol block incoming frames belong to.
type rendererMode int

const (
	modeReplay rendererMode = iota
	modeIdle
	modeStreaming
	modeSwitching
)

// renderer interprets incoming frames against the sentinel protocol
// and prints them. It runs on the reader goroutine only.
type renderer struct {
	mode          rendererMode
	conversations []string
	replayNext    string // pending conversation id awaiting its first message

	gray *color.Color
	cyan *color.Color
	bold *color.Color
}

func newRenderer() *renderer {
	return &renderer{
		mode: modeReplay,
		gray: color.New(color.FgHiBlack),
		cyan: color.New(color.FgCyan),
		bold: color.New(color.Bold),
	}
}

func (r *renderer) render(frame string) {
	switch frame {
	case session.MarkerConversations:
		r.mode = modeReplay
		r.gray.Println("-- recent conversations --")
		return
	case session.MarkerAllConversations:
		r.flushReplayID()
		r.mode = modeIdle
		r.gray.Println("-- end of history --")
		return
	case session.MarkerStart:
		r.flushReplayID()
		r.mode = modeStreaming
		r.cyan.Print("bot: ")
		return
	case session.MarkerEnd:
		r.mode = modeIdle
		fmt.Println()
		return
	case session.MarkerConversationFound:
		r.mode = modeSwitching
		r.gray.Println("-- switching --")
		return
	case session.MarkerConversationSwitched:
		r.mode = modeIdle
		r.gray.Println("-- switched --")
		return
	case session.MarkerConversationNotFound:
		r.mode = modeIdle
		color.Red("conversation not found")
		return
	}

	switch r.mode {
	case modeReplay:
		if r.replayNext == "" {
			// First frame of a pair is the conversation id
			r.replayNext = frame
			r.conversations = append(r.conversations, frame)
			return
		}
		r.bold.Printf("%s ", r.replayNext)
		fmt.Println(firstLine(frame))
		r.replayNext = ""
	case modeStreaming:
		// Growing prefix: redraw the reply line in place
		fmt.Print("\r\033[K")
		r.cyan.Print("bot: ")
		fmt.Print(lastLine(frame))
	case modeSwitching:
		fmt.Println(frame)
	default:
		fmt.Println(frame)
	}
}

// flushReplayID prints a conversation id that never got a first
// message frame (empty conversation).
func (r *renderer) flushReplayID() {
	if r.replayNext != "" {
		r.bold.Printf("%s ", r.replayNext)
		r.gray.Println("(empty)")
		r.replayNext = ""
	}
}

func (r *renderer) printConversations() {
	if len(r.conversations) == 0 {
		fmt.Println("no known conversations")
		return
	}
	for _, id := range r.conversations {
		fmt.Println(id)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
