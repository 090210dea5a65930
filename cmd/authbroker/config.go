package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/NDevTK/localauth"
	"github.com/NDevTK/localauth/cmd/utils"
)

// brokerConfig is the TOML-backed daemon configuration. Flags override the
// file values.
type brokerConfig struct {
	Port           int
	Accounts       []localauth.Account
	DefaultAccount string
	TokenTTL       time.Duration
	ContextFile    string
}

func defaultConfig() brokerConfig {
	return brokerConfig{
		TokenTTL: utils.TokenTTLFlag.Value,
	}
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		id := fmt.Sprintf("%s.%s", rt.String(), field)
		return fmt.Errorf("field '%s' is not defined in %s", field, id)
	},
}

func loadConfig(file string, cfg *brokerConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if err != nil {
		return fmt.Errorf("%v in %s", err, file)
	}
	return nil
}

// makeConfig merges the config file (if any) with the command line flags,
// flags winning.
func makeConfig(ctx *cli.Context) (brokerConfig, error) {
	cfg := defaultConfig()
	if file := ctx.String(utils.ConfigFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(utils.PortFlag.Name) || cfg.Port == 0 {
		cfg.Port = ctx.Int(utils.PortFlag.Name)
	}
	if ctx.IsSet(utils.DefaultAccountFlag.Name) {
		cfg.DefaultAccount = ctx.String(utils.DefaultAccountFlag.Name)
	}
	if ctx.IsSet(utils.TokenTTLFlag.Name) {
		cfg.TokenTTL = ctx.Duration(utils.TokenTTLFlag.Name)
	}
	if ctx.IsSet(utils.ContextFileFlag.Name) {
		cfg.ContextFile = ctx.String(utils.ContextFileFlag.Name)
	}
	flagAccounts, err := utils.MakeAccounts(ctx)
	if err != nil {
		return cfg, err
	}
	if len(flagAccounts) > 0 {
		cfg.Accounts = flagAccounts
	}
	if len(cfg.Accounts) == 0 {
		return cfg, errors.New("no accounts configured, pass --account or set Accounts in the config file")
	}
	for _, acc := range cfg.Accounts {
		if !validAccountID(acc.ID) {
			return cfg, fmt.Errorf("invalid account ID %q", acc.ID)
		}
	}
	return cfg, nil
}

func validAccountID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return false
		}
	}
	return true
}
