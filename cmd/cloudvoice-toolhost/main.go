// Cloudvoice-toolhost is the tool host worker for the CloudVoice
// backend. It speaks JSON-RPC over stdio and exposes the cloud action
// tools: carbon footprint estimation and instance deployment. The
// backend spawns it as a subprocess; it never listens on the network.
//
// Usage:
//
//	cloudvoice-toolhost          Serve tools over stdin/stdout
//	cloudvoice-toolhost version  Print version information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudvoice/cloudvoice/internal/buildinfo"
	"github.com/cloudvoice/cloudvoice/internal/mcp"
)

// serverName identifies this host during the protocol handshake.
const serverName = "CloudVoice-Agent"

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	if len(args) > 0 && args[0] == "version" {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}

	// stdout carries the protocol; logs go to stderr.
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := mcp.NewServer(serverName, buildinfo.Version, logger)
	registerTools(srv)

	logger.Info("tool host ready", "name", serverName, "version", buildinfo.Version)
	return srv.Serve(ctx, stdin, stdout)
}

func registerTools(srv *mcp.Server) {
	srv.RegisterTool(mcp.ToolDefinition{
		Name:        "calculate_carbon_footprint",
		Description: "Calculates the carbon footprint of a cloud instance type over a number of hours.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"instance_type": map[string]any{"type": "string"},
				"hours":         map[string]any{"type": "integer"},
			},
			"required": []string{"instance_type", "hours"},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		instance := stringArg(args, "instance_type")
		if instance == "" {
			return "", fmt.Errorf("instance_type is required")
		}
		return carbonFootprint(instance, intArg(args, "hours")), nil
	})

	srv.RegisterTool(mcp.ToolDefinition{
		Name:        "deploy_instance",
		Description: "Actually deploy a cloud instance. REQUIRES APPROVAL for High Performance types.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"instance_type": map[string]any{"type": "string"},
				"hours":         map[string]any{"type": "integer"},
			},
			"required": []string{"instance_type"},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		instance := stringArg(args, "instance_type")
		if instance == "" {
			return "", fmt.Errorf("instance_type is required")
		}
		return deployInstance(instance), nil
	})
}
