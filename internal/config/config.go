package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbrown1413/justsync/internal/utils"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxRevisits = 10
)

// Config is the resolved run configuration for the justsync CLI.
type Config struct {
	// Dirs are the root directories to keep in sync.
	Dirs []string

	// Watch keeps the process running, re-syncing on filesystem events.
	Watch bool

	// Interval is the watch-mode sync tick.
	Interval time.Duration

	// Create missing root directories instead of erroring.
	Create bool

	// MaxRevisits caps how often one path may be re-resolved per cycle.
	MaxRevisits int
}

func (c *Config) Validate() error {
	if len(c.Dirs) == 0 {
		return errors.New("no directories given")
	}
	if !c.Create {
		for _, dir := range c.Dirs {
			resolved, err := utils.ResolvePath(dir)
			if err != nil {
				return err
			}
			if !utils.DirExists(resolved) {
				return fmt.Errorf("directory does not exist: %q (use --create to create it)", dir)
			}
		}
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.MaxRevisits < 1 {
		return errors.New("max-revisits must be at least 1")
	}
	return nil
}
