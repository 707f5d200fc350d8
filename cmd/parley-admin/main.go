// ABOUTME: Admin CLI for parley identity and conversation management
// ABOUTME: Mints session tokens and inspects stored users and conversations

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/store"
)

const banner = `
                      _                            _           _
  _ __   __ _ _ __  | |  ___  _   _      __ _  __| |_ __ ___ (_)_ __
 | '_ \ / _' | '__| | | / _ \| | | |    / _' |/ _' | '_ ' _ \| | '_ \
 | |_) | (_| | |    | ||  __/| |_| |   | (_| | (_| | | | | | | | | | |
 | .__/ \__,_|_|    |_| \___| \__, |    \__,_|\__,_|_| |_| |_|_|_| |_|
 |_|                          |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "token":
		err = cmdToken(args)
	case "users":
		err = cmdUsers(args)
	case "conversations":
		err = cmdConversations(args)
	case "delete":
		err = cmdDelete(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(banner)
	fmt.Println("Usage: parley-admin <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  token --user ID [--ttl 720h]   Mint a session token for a user")
	fmt.Println("  users [--skip N] [--limit N]   List stored users")
	fmt.Println("  conversations <user_id>        List a user's conversations")
	fmt.Println("  delete <conversation_id>       Delete a conversation")
}

// gatewayBaseURL resolves the HTTP base URL of a running gateway.
func gatewayBaseURL() string {
	if host := os.Getenv("PARLEY_GATEWAY_HOST"); host != "" {
		return "http://" + host
	}
	return "http://localhost:8080"
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("PARLEY_CONFIG")
	if path == "" {
		path = "gateway.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s (set PARLEY_CONFIG): %w", path, err)
	}
	return cfg, nil
}

func cmdToken(args []string) error {
	var userID string
	ttl := 30 * 24 * time.Hour
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--user", "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			userID = args[i+1]
			i++
		case "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			parsed, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = parsed
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Token for %s (expires %s):\n", userID, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func cmdUsers(args []string) error {
	skip, limit := 0, 50
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--skip":
			if i+1 >= len(args) {
				return fmt.Errorf("--skip requires a value")
			}
			fmt.Sscanf(args[i+1], "%d", &skip)
			i++
		case "--limit":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			fmt.Sscanf(args[i+1], "%d", &limit)
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	users, err := s.ListUsers(ctx, skip, limit)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tCONVERSATIONS\tCREATED")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%d\t%s\n", u.ID, len(u.Conversations), u.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == "mongo" {
		return store.NewMongoStore(ctx, cfg.Database.URI, cfg.Database.Name)
	}
	return store.NewSQLiteStore(cfg.Database.Path)
}

func cmdConversations(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: parley-admin conversations <user_id>")
	}
	userID := args[0]

	resp, err := http.Get(gatewayBaseURL() + "/api/users/" + userID + "/conversations")
	if err != nil {
		return fmt.Errorf("querying gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var summaries []gateway.ConversationSummaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tMESSAGES\tFIRST MESSAGE")
	for _, s := range summaries {
		first := s.FirstMessage
		if len(first) > 60 {
			first = first[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", s.ID, s.MessageCount, first)
	}
	return w.Flush()
}

func cmdDelete(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: parley-admin delete <conversation_id>")
	}
	id := args[0]

	req, err := http.NewRequest(http.MethodDelete, gatewayBaseURL()+"/api/conversations/"+id, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("querying gateway: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		color.Green("Deleted %s", id)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("conversation %s not found", id)
	default:
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
}
