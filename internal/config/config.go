// Package config loads process configuration from PARTBATCH_* environment
// variables. Command-line flags are applied on top by the caller.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"partbatch/internal/batch"
	"partbatch/internal/extract"
	"partbatch/internal/watcher"
)

const (
	EnvAddr           = "PARTBATCH_ADDR"
	EnvStaticDir      = "PARTBATCH_STATIC_DIR"
	EnvIPCDir         = "PARTBATCH_IPC_DIR"
	EnvMacro          = "PARTBATCH_MACRO"
	EnvMacroModule    = "PARTBATCH_MACRO_MODULE"
	EnvMacroProcedure = "PARTBATCH_MACRO_PROC"
	EnvPollInterval   = "PARTBATCH_POLL_INTERVAL"
	EnvMacroTimeout   = "PARTBATCH_MACRO_TIMEOUT"
	EnvCollisions     = "PARTBATCH_COLLISIONS"
	EnvHistory        = "PARTBATCH_HISTORY"
)

const (
	DefaultAddr    = ":8430"
	DefaultHistory = 1000
)

// Config holds process configuration.
type Config struct {
	Addr      string
	StaticDir string

	IPCDir         string
	MacroPath      string
	MacroModule    string
	MacroProcedure string
	PollInterval   time.Duration
	MacroTimeout   time.Duration

	Collisions batch.CollisionPolicy
	History    int
}

// Load reads Config from the environment. Every malformed variable is
// reported, not just the first.
func Load() (Config, error) {
	cfg := Config{
		Addr:           String(EnvAddr, DefaultAddr),
		StaticDir:      String(EnvStaticDir, ""),
		IPCDir:         String(EnvIPCDir, extract.DefaultIPCDir()),
		MacroPath:      String(EnvMacro, ""),
		MacroModule:    String(EnvMacroModule, extract.DefaultModule),
		MacroProcedure: String(EnvMacroProcedure, extract.DefaultProcedure),
	}

	var merr *multierror.Error
	var err error
	if cfg.PollInterval, err = Duration(EnvPollInterval, watcher.DefaultInterval); err != nil {
		merr = multierror.Append(merr, err)
	}
	if cfg.MacroTimeout, err = Duration(EnvMacroTimeout, watcher.DefaultTimeout); err != nil {
		merr = multierror.Append(merr, err)
	}
	if cfg.History, err = Int(EnvHistory, DefaultHistory); err != nil {
		merr = multierror.Append(merr, err)
	} else if cfg.History <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("parse %s: must be positive, got %d", EnvHistory, cfg.History))
	}
	if cfg.Collisions, err = batch.ParseCollisionPolicy(String(EnvCollisions, "")); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("parse %s: %w", EnvCollisions, err))
	}

	if err := merr.ErrorOrNil(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ExtractOptions returns the dimension extractor settings.
func (c Config) ExtractOptions() extract.Options {
	return extract.Options{
		IPCDir:       c.IPCDir,
		MacroPath:    c.MacroPath,
		Module:       c.MacroModule,
		Procedure:    c.MacroProcedure,
		PollInterval: c.PollInterval,
		Timeout:      c.MacroTimeout,
	}
}
