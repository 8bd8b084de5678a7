// Command validator-node runs one committee seat of the DAG-BFT validator:
// worker mempool, primary, certificate DAG, leader committer, execution
// bridge, gateway, and sync engine, wired over one bbolt store.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// runtime error.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"dagchain.dev/validator/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validator-node", flag.ContinueOnError)
	fs.SetOutput(stderr)

	devID := fs.Int("dev", -1, "pre-provisioned devnet committee seat id")
	nodeAddr := fs.String("node", "", "gateway listen address ip:port")
	restAddr := fs.String("rest", "", "admin/REST listen address ip:port")
	trustedCSV := fs.String("trusted-peers", "", "comma-separated gateway peers ip:port")
	dataDir := fs.String("datadir", ".validator", "configuration and storage root")
	network := fs.Uint("network", 0, "network id")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	dryRun := fs.Bool("dry-run", false, "validate configuration and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	level, err := logging.ParseLevel(strings.ToLower(strings.TrimSpace(*logLevel)))
	if err != nil {
		fmt.Fprintf(stderr, "invalid log level: %v\n", err)
		return 1
	}
	log := logging.New(stderr, level, "node")

	if *network > 65535 {
		fmt.Fprintf(stderr, "invalid network id %d\n", *network)
		return 1
	}
	cfg := Config{
		DataDir:  *dataDir,
		NodeAddr: *nodeAddr,
		RestAddr: *restAddr,
		LogLevel: *logLevel,
		Network:  uint16(*network),
		DevID:    *devID,
	}
	for _, p := range strings.Split(*trustedCSV, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.TrustedPeers = append(cfg.TrustedPeers, p)
		}
	}

	if *devID >= 0 {
		if err := provisionDev(cfg.DataDir, cfg.Network, *devID); err != nil {
			fmt.Fprintf(stderr, "dev provisioning failed: %v\n", err)
			return 1
		}
		if cfg.NodeAddr == "" {
			cfg.NodeAddr = devGatewayAddr(*devID)
		}
		if cfg.RestAddr == "" {
			cfg.RestAddr = devRestAddr(*devID)
		}
		if len(cfg.TrustedPeers) == 0 {
			cfg.TrustedPeers = devTrustedPeers(*devID)
		}
	}
	if cfg.NodeAddr == "" {
		fmt.Fprintln(stderr, "missing --node listen address")
		return 1
	}

	node, err := newNode(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	if *dryRun {
		fmt.Fprintf(stdout, "config ok: node=%s rest=%s datadir=%s peers=%d\n",
			cfg.NodeAddr, cfg.RestAddr, cfg.DataDir, len(cfg.TrustedPeers))
		node.db.Close()
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := node.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "node halted: %v\n", err)
		return 2
	}
	return 0
}
