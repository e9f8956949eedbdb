package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/internal/app"
	"github.com/51f0x/personal-kanban/internal/config"
	"github.com/51f0x/personal-kanban/internal/logging"
	"github.com/51f0x/personal-kanban/messaging"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

func (c *commandContext) logger(cmd *cobra.Command, name string) (*xlog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.New(cfg.Log, name, cmd.ErrOrStderr())
}

// client opens a messaging client for one-shot operator commands.
func (c *commandContext) client(cmd *cobra.Command) (*messaging.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	lg, err := c.logger(cmd, "kanban")
	if err != nil {
		return nil, err
	}
	cl, err := app.OpenClient(cfg, lg)
	if err != nil {
		return nil, fmt.Errorf("open broker: %w", err)
	}
	return cl, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
