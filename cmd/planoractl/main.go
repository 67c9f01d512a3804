package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/planora/realtime/internal/config"
	"github.com/planora/realtime/internal/ipc"
	"github.com/planora/realtime/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "login":
		cmdLogin(sessionName)
	case "logout":
		cmdLogout(sessionName)
	case "config":
		cmdConfig()
	case "status":
		cmdStatus(ctx, sessionName, *jsonFlag)
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: planoractl read <notification-id>")
			os.Exit(1)
		}
		run(sessionName, func(c *ipc.Client) error { return c.MarkRead(ctx, args[1]) })
	case "clear":
		run(sessionName, func(c *ipc.Client) error { return c.ClearAll(ctx) })
	case "resync":
		run(sessionName, func(c *ipc.Client) error { return c.Resync(ctx) })
	case "watch":
		cmdWatch(sessionName)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func dial(sessionName string) *ipc.Client {
	return ipc.NewClient(session.SocketPath(sessionName))
}

func run(sessionName string, fn func(*ipc.Client) error) {
	if err := fn(dial(sessionName)); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func cmdStatus(ctx context.Context, sessionName string, asJSON bool) {
	resp, err := dial(sessionName).Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	if asJSON {
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Printf("session:       %s\n", resp.Session)
	fmt.Printf("status:        %s\n", resp.Status)
	fmt.Printf("uptime:        %s\n", (time.Duration(resp.UptimeMS) * time.Millisecond).Round(time.Second))
	fmt.Printf("notifications: %d (%d unread)\n", resp.NotificationCount, resp.UnreadCount)
	fmt.Printf("applied:       %d (dropped %d dup, %d stale, %d malformed)\n",
		resp.Applied, resp.DuplicateDrops, resp.StaleDrops, resp.MalformedEvents)
}

// cmdWatch streams change frames until interrupted.
func cmdWatch(sessionName string) {
	ctx := context.Background()
	ch, stop, err := dial(sessionName).Watch(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer stop()
	for frame := range ch {
		fmt.Printf("%s %s\n", time.UnixMilli(frame.Timestamp).Format(time.RFC3339), frame.Kind)
	}
}

// cmdLogin reads a bearer token from stdin and stores it for the session.
// The daemon picks it up on its next start or token refresh.
func cmdLogin(sessionName string) {
	fmt.Fprint(os.Stderr, "token: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read token: %v\n", err)
		os.Exit(1)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		fmt.Fprintln(os.Stderr, "error: empty token")
		os.Exit(1)
	}
	if err := session.WriteToken(sessionName, token); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("token stored for session %q\n", sessionName)
}

func cmdLogout(sessionName string) {
	if err := os.Remove(session.TokenPath(sessionName)); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("token removed for session %q\n", sessionName)
}

// cmdConfig writes the default config file if none exists and prints its path.
func cmdConfig() {
	path := session.ConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote default config to %s\n", path)
		return
	}
	fmt.Println(path)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: planoractl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login        Store a bearer token for the session (read from stdin)")
	fmt.Fprintln(os.Stderr, "  logout       Remove the stored token")
	fmt.Fprintln(os.Stderr, "  config       Create or locate the global config file")
	fmt.Fprintln(os.Stderr, "  status       Show daemon status and sync counters")
	fmt.Fprintln(os.Stderr, "  read <id>    Mark a notification read")
	fmt.Fprintln(os.Stderr, "  clear        Clear all notifications")
	fmt.Fprintln(os.Stderr, "  resync       Force a snapshot resync")
	fmt.Fprintln(os.Stderr, "  watch        Stream state change events")
}
