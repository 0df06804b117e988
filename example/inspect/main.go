// Command inspect connects to one MCP server, lists what it offers, and
// prints a metrics summary. It serves as a smoke test for any of the three
// transports:
//
//	inspect -command "npx @modelcontextprotocol/server-everything"
//	inspect -url http://localhost:8080/mcp
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	mcp "github.com/Waldzell-Agentics/Chassit"
)

func main() {
	command := flag.String("command", "", "stdio server command to spawn")
	url := flag.String("url", "", "streamable HTTP server URL")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := mcp.ServerConfig{
		ServerID:       "target",
		URL:            *url,
		RequestTimeout: *timeout,
	}
	if *command != "" {
		parts := strings.Fields(*command)
		cfg.Command = parts[0]
		cfg.Args = parts[1:]
	}

	if err := run(cfg); err != nil {
		logger.Error("inspection failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg mcp.ServerConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	metrics := mcp.NewMetrics()
	manager := mcp.NewConnectionManager(
		mcp.Info{Name: "inspect", Version: "0.1.0"},
		mcp.WithManagerMetrics(metrics),
	)
	defer manager.CloseAll()

	if err := manager.AddServer(cfg); err != nil {
		return err
	}

	sess, err := manager.Session(ctx, cfg.ServerID)
	if err != nil {
		return err
	}

	info := sess.ServerInfo()
	fmt.Printf("Connected to %s %s (protocol %s)\n", info.Name, info.Version, sess.ProtocolVersion())

	if sess.ToolsSupported() {
		if err := printList(ctx, manager, cfg.ServerID, mcp.MethodToolsList, "tools"); err != nil {
			return err
		}
	}
	if sess.PromptsSupported() {
		if err := printList(ctx, manager, cfg.ServerID, mcp.MethodPromptsList, "prompts"); err != nil {
			return err
		}
	}
	if sess.ResourcesSupported() {
		if err := printList(ctx, manager, cfg.ServerID, mcp.MethodResourcesList, "resources"); err != nil {
			return err
		}
	}

	snap := metrics.Snapshot()
	fmt.Printf("\n%d requests, %d errors, avg %s, p95 %s\n",
		snap.Requests.Total, snap.Requests.Errors, snap.Performance.Avg, snap.Performance.P95)
	return nil
}

func printList(ctx context.Context, manager *mcp.ConnectionManager, serverID, method, label string) error {
	result, err := manager.Request(ctx, serverID, method, nil)
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}

	var listing map[string][]struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}

	fmt.Printf("\n%s:\n", label)
	for _, item := range listing[label] {
		name := item.Name
		if name == "" {
			name = item.URI
		}
		fmt.Printf("  - %s\n", name)
	}
	return nil
}
