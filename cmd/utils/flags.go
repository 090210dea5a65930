// Package utils holds the flag definitions and helpers shared by the broker
// commands.
package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/NDevTK/localauth"
	"github.com/NDevTK/localauth/internal/flags"
)

var (
	PortFlag = &cli.IntFlag{
		Name:     "port",
		Usage:    "Loopback TCP port to bind, 0 picks a free one",
		Value:    0,
		Category: flags.BrokerCategory,
	}
	AccountFlag = &cli.StringSliceFlag{
		Name:     "account",
		Usage:    "Account to serve tokens for, as id:email (repeatable)",
		Category: flags.BrokerCategory,
	}
	DefaultAccountFlag = &cli.StringFlag{
		Name:     "default-account",
		Usage:    "ID of the account advertised as the default one",
		Category: flags.BrokerCategory,
	}
	TokenTTLFlag = &cli.DurationFlag{
		Name:     "token-ttl",
		Usage:    "Lifetime of tokens minted by the development minter",
		Value:    30 * time.Minute,
		Category: flags.BrokerCategory,
	}
	ContextFileFlag = &cli.StringFlag{
		Name:     "context-file",
		Usage:    "Path to write the JSON context advertising the broker to children",
		Category: flags.BrokerCategory,
	}
	ConfigFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: flags.BrokerCategory,
	}

	VerbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		Category: flags.LoggingCategory,
	}
	LogFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write logs to a rotated file instead of stderr",
		Category: flags.LoggingCategory,
	}
	LogJSONFlag = &cli.BoolFlag{
		Name:     "log.json",
		Usage:    "Format logs as JSON",
		Category: flags.LoggingCategory,
	}
)

// BrokerFlags are the flags configuring the broker daemon.
var BrokerFlags = []cli.Flag{
	PortFlag,
	AccountFlag,
	DefaultAccountFlag,
	TokenTTLFlag,
	ContextFileFlag,
	ConfigFileFlag,
}

// LoggingFlags are the flags configuring log output.
var LoggingFlags = []cli.Flag{
	VerbosityFlag,
	LogFileFlag,
	LogJSONFlag,
}

// SetupLogging installs the default logger according to the logging flags.
func SetupLogging(ctx *cli.Context) {
	var output io.Writer = os.Stderr
	useColor := false
	if file := ctx.String(LogFileFlag.Name); file != "" {
		output = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 3,
			Compress:   true,
		}
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		output = colorable.NewColorableStderr()
		useColor = true
	}

	level := log.FromLegacyLevel(ctx.Int(VerbosityFlag.Name))
	var handler slog.Handler = log.NewTerminalHandlerWithLevel(output, level, useColor)
	if ctx.Bool(LogJSONFlag.Name) {
		handler = log.JSONHandlerWithLevel(output, level)
	}
	log.SetDefault(log.NewLogger(handler))
}

// MakeAccounts parses the repeated --account id:email values.
func MakeAccounts(ctx *cli.Context) ([]localauth.Account, error) {
	var accounts []localauth.Account
	for _, spec := range ctx.StringSlice(AccountFlag.Name) {
		id, email, ok := strings.Cut(spec, ":")
		if !ok || id == "" || email == "" {
			return nil, fmt.Errorf("invalid --account value %q, want id:email", spec)
		}
		accounts = append(accounts, localauth.Account{ID: id, Email: email})
	}
	return accounts, nil
}
