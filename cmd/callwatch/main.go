package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/callwatch/pkg/api/client"
)

const defaultMonitorURL = "http://localhost:4100"

type cliConfig struct {
	MonitorURL string `json:"monitor_url"`
	Token      string `json:"token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "summary":
		err = commandSummary(args)
	case "export":
		err = commandExport(args)
	case "clear":
		err = commandClear(args)
	case "recent":
		err = commandRecent(args)
	case "tail":
		err = commandTail(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	monitorURL := fs.String("url", "", "Monitor base URL (default http://localhost:4100)")
	token := fs.String("token", "", "Operator token (supply to avoid prompt)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Token (empty for none): ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*monitorURL) != "" {
		cfg.MonitorURL = *monitorURL
	}
	cfg.Token = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("saved monitor %s\n", cfg.MonitorURL)
	return nil
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if env := strings.TrimSpace(os.Getenv("CALLWATCH_MONITOR_URL")); env != "" {
		cfg.MonitorURL = env
	}
	return apiclient.New(cfg.MonitorURL, apiclient.WithToken(cfg.Token))
}

func commandSummary(args []string) error {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	top := fs.Int("top", 10, "Number of aggregate rows to display")
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	summary, err := client.Summary(ctx)
	if err != nil {
		return err
	}
	rows, err := client.Aggregates(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("requests=%d errors=%d avg=%.1fms endpoints=%d in_flight=%d realtime=%s\n",
		summary.TotalRequests, summary.TotalErrors, summary.AverageLatencyMS,
		summary.Endpoints, summary.InFlight, summary.RealtimeState)
	count := len(rows)
	if *top > 0 && *top < count {
		count = *top
	}
	for i := 0; i < count; i++ {
		r := rows[i]
		fmt.Printf("%s\t%s\t%s\t%s\t%d\t%d\t%.1fms\t%s\n",
			r.Backend, r.Endpoint, orDash(r.Page), r.User, r.Count, r.ErrorCount, r.AvgTime, r.Status)
	}
	return nil
}

func commandExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	output := fs.String("o", "", "Write the export to this file instead of stdout")
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var w io.Writer = os.Stdout
	if path := strings.TrimSpace(*output); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := client.Export(ctx, w); err != nil {
		return err
	}
	if *output != "" {
		fmt.Printf("export written to %s\n", *output)
	}
	return nil
}

func commandClear(args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Clear(ctx); err != nil {
		return err
	}
	fmt.Println("monitor cleared")
	return nil
}

func commandRecent(args []string) error {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	window := fs.Int("window", 5, "Look-back window in minutes")
	limit := fs.Int("limit", 50, "Maximum number of events")
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	events, err := client.Recent(ctx, *window, *limit)
	if err != nil {
		return err
	}
	width := terminalWidth()
	for _, e := range events {
		fmt.Println(formatEvent(e, width))
	}
	return nil
}

func commandTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	width := terminalWidth()
	t := newTailer()
	err = client.Tail(ctx, func(f apiclient.Frame) error {
		lines, err := t.handle(f)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(truncate(line, width))
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 120
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{MonitorURL: defaultMonitorURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.MonitorURL == "" {
		cfg.MonitorURL = defaultMonitorURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "callwatch", "config.json"), nil
}

func printUsage() {
	fmt.Printf("callwatch CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	callwatch login [--url http://localhost:4100] [--token jwt]
	callwatch summary [--top N]
	callwatch export [-o file]
	callwatch clear
	callwatch recent [--window minutes] [--limit N]
	callwatch tail
	callwatch version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
