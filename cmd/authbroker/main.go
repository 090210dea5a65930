// authbroker runs a loopback local auth broker backed by the self-signed
// development minter and advertises it to child processes through a JSON
// context file. Useful for developing and manually testing clients of the
// broker protocol.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/NDevTK/localauth"
	"github.com/NDevTK/localauth/cmd/utils"
	"github.com/NDevTK/localauth/devmint"
)

var app = &cli.App{
	Name:   "authbroker",
	Usage:  "local auth broker minting development tokens for child processes",
	Flags:  append(append([]cli.Flag{}, utils.BrokerFlags...), utils.LoggingFlags...),
	Action: run,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	utils.SetupLogging(ctx)

	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	minter, err := devmint.New(devmint.Config{TTL: cfg.TokenTTL})
	if err != nil {
		return err
	}

	broker := localauth.NewBroker()
	ad, err := broker.Start(minter, cfg.Accounts, cfg.DefaultAccount, cfg.Port)
	if err != nil {
		return err
	}
	defer broker.Stop()

	if cfg.ContextFile != "" {
		if err := writeContextFile(cfg.ContextFile, ad); err != nil {
			return err
		}
		log.Info("Wrote broker context", "path", cfg.ContextFile)
	}

	g, gctx := errgroup.WithContext(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	g.Go(func() error {
		select {
		case sig := <-sigc:
			log.Info("Shutting down", "signal", sig.String())
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	return g.Wait()
}

// writeContextFile drops the advertisement into a JSON file shaped like the
// context children expect: {"local_auth": {...}}. The file carries the RPC
// secret, so it is readable by the owner only.
func writeContextFile(path string, ad *localauth.Advertisement) error {
	blob, err := json.MarshalIndent(map[string]any{"local_auth": ad}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(blob, '\n'), 0o600)
}
