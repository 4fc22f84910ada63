// Command leafsync is a peer-to-peer folder synchronizer over QUIC. It
// transfers only the chunks that differ between peers, verifies every file
// against a Merkle root before it reaches its final path, and pins server
// identities by certificate fingerprint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/gks2022004/leafsync/internal/observability"
	"github.com/gks2022004/leafsync/internal/session"
	"github.com/gks2022004/leafsync/internal/state"
	"github.com/gks2022004/leafsync/internal/web"
)

// Build-time variables set by ldflags.
var version = "dev"

func main() {
	log := observability.NewLogger("leafsync", version, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, "leafsync", version)
	if err != nil {
		log.Error(err, "tracing init failed; continuing without tracing")
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	app := &cli.App{
		Name:    "leafsync",
		Usage:   "P2P QUIC file sync with Merkle delta transfer",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(ctx, log),
			connectCommand(ctx, log),
			trustCommand(),
			uiCommand(ctx, log),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand(ctx context.Context, log *observability.Logger) *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "start a QUIC server and serve a folder",
		ArgsUsage: "<folder>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Value: 4455, Usage: "UDP port to listen on"},
			&cli.StringFlag{Name: "file", Usage: "serve only this file (relative to folder)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: leafsync serve <folder>")
			}
			srv := session.NewServer(session.ServerConfig{
				Folder:   c.Args().First(),
				OnlyFile: c.String("file"),
			}, log)
			return srv.Run(ctx, fmt.Sprintf("0.0.0.0:%d", c.Int("port")))
		},
	}
}

func connectCommand(ctx context.Context, log *observability.Logger) *cli.Command {
	return &cli.Command{
		Name:      "connect",
		Usage:     "connect to a peer and sync a folder",
		ArgsUsage: "<addr> <folder>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "accept-first", Usage: "pin the server fingerprint on first connect"},
			&cli.StringFlag{Name: "fingerprint", Usage: "expected server fingerprint (hex) for this connect"},
			&cli.StringFlag{Name: "file", Usage: "sync only this file (relative to folder)"},
			&cli.BoolFlag{Name: "mirror", Usage: "move local-only files into .leafsync_trash"},
			&cli.IntFlag{Name: "streams", Value: 4, Usage: "concurrent download streams (1-16)"},
			&cli.Float64Flag{Name: "rate-mbps", Usage: "rate limit in Mbps (omit for unlimited)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("usage: leafsync connect <addr> <folder>")
			}
			client, err := session.NewClient(session.ClientConfig{
				Addr:            c.Args().Get(0),
				Folder:          c.Args().Get(1),
				AcceptFirst:     c.Bool("accept-first"),
				Fingerprint:     c.String("fingerprint"),
				OnlyFile:        c.String("file"),
				Mirror:          c.Bool("mirror"),
				Streams:         c.Int("streams"),
				RateBytesPerSec: c.Float64("rate-mbps") * 1024 * 1024 / 8,
			}, log)
			if err != nil {
				return err
			}
			return client.Run(ctx)
		},
	}
}

func trustCommand() *cli.Command {
	openStore := func() (*state.TrustStore, error) {
		dir, err := state.Dir()
		if err != nil {
			return nil, err
		}
		return state.NewTrustStore(dir), nil
	}
	return &cli.Command{
		Name:  "trust",
		Usage: "manage trusted server fingerprints (TOFU)",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list all pinned servers",
				Action: func(c *cli.Context) error {
					store, err := openStore()
					if err != nil {
						return err
					}
					entries, err := store.List()
					if err != nil {
						return err
					}
					if len(entries) == 0 {
						fmt.Println("No trusted servers.")
						return nil
					}
					for _, e := range entries {
						fmt.Printf("%s  %s\n", e.Addr, e.Fingerprint)
					}
					return nil
				},
			},
			{
				Name:      "add",
				Usage:     "pin a fingerprint for an address",
				ArgsUsage: "<addr> <fingerprint>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("usage: leafsync trust add <addr> <fingerprint>")
					}
					store, err := openStore()
					if err != nil {
						return err
					}
					addr, fp := c.Args().Get(0), c.Args().Get(1)
					if err := store.Set(addr, fp); err != nil {
						return err
					}
					fmt.Printf("Pinned %s => %s\n", addr, fp)
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "remove a pinned server by address",
				ArgsUsage: "<addr>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: leafsync trust remove <addr>")
					}
					store, err := openStore()
					if err != nil {
						return err
					}
					addr := c.Args().First()
					removed, err := store.Remove(addr)
					if err != nil {
						return err
					}
					if removed {
						fmt.Printf("Removed %s\n", addr)
					} else {
						fmt.Printf("%s was not pinned\n", addr)
					}
					return nil
				},
			},
		},
	}
}

func uiCommand(ctx context.Context, log *observability.Logger) *cli.Command {
	return &cli.Command{
		Name:  "ui",
		Usage: "launch the local web dashboard",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Value: 8080, Usage: "dashboard port on 127.0.0.1"},
		},
		Action: func(c *cli.Context) error {
			fmt.Printf("Starting LeafSync web UI on http://127.0.0.1:%d\n", c.Int("port"))
			return web.NewServer(log, version).Run(ctx, c.Int("port"))
		},
	}
}
