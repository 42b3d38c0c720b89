// meshcall relay: development signaling server.
//
// It serves the /ws envelope protocol for local testing: it authenticates
// configured accounts, answers chat and user lookups, forwards rtc:signal
// messages and broadcasts presence.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/meshcall/internal/config"
	"github.com/1ureka/meshcall/internal/relay"
	"github.com/1ureka/meshcall/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "YAML config file (default $MESHCALL_CONFIG)")
	listen := flag.String("listen", "", "Listen address (overrides relay.listen)")
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
	if *listen != "" {
		cfg.Relay.Listen = *listen
	}

	pterm.Info.Println(fmt.Sprintf("meshcall relay v%s", version))
	pterm.Println()
	util.LogInfo("%d account(s), %d chat(s) configured", len(cfg.Relay.Accounts), len(cfg.Relay.Chats))

	util.StartStatsReporter(ctx)
	if err := relay.New(cfg.RelayOptions()).ListenAndServe(ctx, cfg.Relay.Listen); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}
