// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the qcat configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel          = "NOTICE"
	defaultHandshakeTimeout  = 30 * 1000  // 30 sec.
	defaultMaxIdleTimeout    = 120 * 1000 // 120 sec.
	defaultKeepAliveInterval = 15 * 1000  // 15 sec.
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the qcat logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stderr will be used.
	// Stdout carries relayed payload and is never written to.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Transport is the QUIC transport configuration.
type Transport struct {
	// HandshakeTimeout is the maximum time in milliseconds a dial may
	// spend on the QUIC handshake before it is aborted.
	HandshakeTimeout int

	// MaxIdleTimeout is the time in milliseconds after which a
	// connection that has carried no packets is torn down.
	MaxIdleTimeout int

	// KeepAliveInterval is the interval in milliseconds at which keep
	// alive packets are sent, so that a quiet session outlives
	// MaxIdleTimeout.  It must be smaller than MaxIdleTimeout.
	KeepAliveInterval int
}

func (tCfg *Transport) applyDefaults() {
	if tCfg.HandshakeTimeout <= 0 {
		tCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if tCfg.MaxIdleTimeout <= 0 {
		tCfg.MaxIdleTimeout = defaultMaxIdleTimeout
	}
	if tCfg.KeepAliveInterval <= 0 {
		tCfg.KeepAliveInterval = defaultKeepAliveInterval
	}
}

func (tCfg *Transport) validate() error {
	if tCfg.KeepAliveInterval >= tCfg.MaxIdleTimeout {
		return fmt.Errorf("config: Transport: KeepAliveInterval %v must be smaller than MaxIdleTimeout %v", tCfg.KeepAliveInterval, tCfg.MaxIdleTimeout)
	}
	return nil
}

// Config is the qcat configuration.
type Config struct {
	// Logging is the logging configuration.
	Logging *Logging

	// Transport is the QUIC transport configuration.
	Transport *Transport
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}

	if cfg.Transport == nil {
		cfg.Transport = new(Transport)
	}
	cfg.Transport.applyDefaults()
	if err := cfg.Transport.validate(); err != nil {
		return err
	}

	return nil
}

// Default returns a Config composed entirely of default values.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("BUG: config: default configuration is invalid: " + err.Error())
	}
	return cfg
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	err := toml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
