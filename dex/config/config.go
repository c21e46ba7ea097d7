// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// WalletParam holds the per-currency connection and trading parameters
// read out of one INI section of the coordinator's config file.
type WalletParam struct {
	Title         string `ini:"Title"`
	Currency      string `ini:"-"`
	Address       string `ini:"Address"`
	IP            string `ini:"Ip"`
	Port          string `ini:"Port"`
	Username      string `ini:"Username"`
	Password      string `ini:"Password"`
	MinimumAmount float64 `ini:"MinimumAmount"`
	TxVersion     uint32  `ini:"TxVersion"`
	JSONVersion   string  `ini:"JSONVersion"`
}

// MainParams holds the process-wide flags read out of the config file's
// default (unnamed) section.
type MainParams struct {
	EnableExchange   bool `ini:"enableexchange"`
	OrderInputsCheck int  `ini:"orderinputscheck"`
}

// Config is the fully parsed coordinator configuration: the process-wide
// flags plus one WalletParam per configured currency section.
type Config struct {
	Main    MainParams
	Wallets map[string]*WalletParam
}

// defaultOrderInputsCheck mirrors the reference coordinator's default
// maker-UTXO recheck interval, in seconds.
const defaultOrderInputsCheck = 900

// Load parses a coordinator config file (or raw []byte data) into a
// Config. Every named section becomes a wallet entry keyed by its
// section name as written, which is the currency ticker; the name is
// not case-normalized.
func Load(cfgPathOrData interface{}) (*Config, error) {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cfg := &Config{
		Main:    MainParams{OrderInputsCheck: defaultOrderInputsCheck},
		Wallets: make(map[string]*WalletParam),
	}

	if def := cfgFile.Section(ini.DefaultSection); def != nil {
		if err := def.MapTo(&cfg.Main); err != nil {
			return nil, fmt.Errorf("parsing main section: %w", err)
		}
	}

	for _, section := range cfgFile.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || name == "" {
			continue
		}
		wp := &WalletParam{Currency: name}
		if err := section.MapTo(wp); err != nil {
			return nil, fmt.Errorf("parsing section %s: %w", name, err)
		}
		cfg.Wallets[name] = wp
	}

	return cfg, nil
}
