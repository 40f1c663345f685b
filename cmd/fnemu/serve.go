package main

import (
	"context"

	"github.com/loykin/fnemu"
)

// Serve runs the dispatcher in the foreground.
func (c *command) Serve(ctx context.Context, f StartFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if f.ProjectID != "" {
		cfg.ProjectID = f.ProjectID
	}
	cfg.Debug = cfg.Debug || f.Debug
	return fnemu.Run(ctx, cfg)
}
