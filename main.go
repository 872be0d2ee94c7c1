// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vesper-app/vesper/internal/app"
	"github.com/vesper-app/vesper/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("vesper v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: vesper peer <peer-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: vesper relay <directory> [listen-addr]")
			os.Exit(1)
		}
		addr := ""
		if len(args) > 2 {
			addr = args[2]
		}
		runCLIRelay(args[1], addr)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadDir resolves dir and loads (or creates) its vesper.json.
func loadDir(dirArg string) (string, string, config.Config, bool) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return absDir, cfgPath, cfg, created
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIPeer(peerDirArg string) {
	absDir, cfgPath, cfg, created := loadDir(peerDirArg)
	printPeerBanner(absDir, cfgPath, cfg, created)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIRelay(dirArg, addr string) {
	absDir, cfgPath, cfg, _ := loadDir(dirArg)
	if addr == "" {
		addr = cfg.Relay.Addr
	}

	fmt.Printf("Relay Directory: %s\n", absDir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Listening:       ws://%s/ws\n", addr)
	if cfg.Relay.AllowDevTokens {
		fmt.Println("Dev tokens:      POST /api/token is open to anyone")
	}
	fmt.Println()

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, addr, cfg.Relay, cfg.LogLevel); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("vesper - voice and video calls between peers")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  vesper peer <directory>               Run a call endpoint")
	fmt.Println("  vesper relay <directory> [addr]       Run a websocket signaling relay")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run an endpoint from the specified directory")
	fmt.Println("        A default vesper.json is created on first run")
	fmt.Println()
	fmt.Println("  relay <directory> [addr]")
	fmt.Println("        Serve the relay on addr (default: relay.addr from vesper.json)")
	fmt.Println("        relay.secret must be set")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  vesper peer ./peers/alice")
	fmt.Println("  vesper relay ./relay 0.0.0.0:8790")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config, created bool) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                      vesper peer                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s", cfgPath)
	if created {
		fmt.Print(" (created)")
	}
	fmt.Println()
	fmt.Printf("Identity:       %s (%s)\n", cfg.Identity.ID, cfg.Identity.Name)
	fmt.Printf("Signaling:      %s\n", cfg.Signaling.Backend)
	fmt.Println()

	if cfg.API.HTTPAddr != "" {
		apiURL := cfg.API.HTTPAddr
		if apiURL[0] == ':' {
			apiURL = "127.0.0.1" + apiURL
		}
		fmt.Printf("Control API:    http://%s/api/self\n", apiURL)
		fmt.Println()
	}

	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
