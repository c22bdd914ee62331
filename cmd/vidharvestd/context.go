package main

import (
	"fmt"
	"strings"

	"github.com/dar-k-dev/vidharvest/internal/config"
)

// commandContext carries flag values and the lazily loaded configuration
// shared across subcommands.
type commandContext struct {
	configFlag *string
	apiFlag    *string

	cfg     *config.Config
	cfgPath string
}

func newCommandContext(configFlag, apiFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, apiFlag: apiFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, resolvedPath, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.cfgPath = resolvedPath
	return cfg, nil
}

// apiBase returns the daemon API base URL, preferring the --api flag over
// the configured bind address.
func (c *commandContext) apiBase() (string, error) {
	if c.apiFlag != nil && strings.TrimSpace(*c.apiFlag) != "" {
		return normalizeBase(*c.apiFlag), nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return "", fmt.Errorf("no API address configured; set paths.api_bind or pass --api")
	}
	return normalizeBase(bind), nil
}

func normalizeBase(value string) string {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		value = "http://" + value
	}
	return strings.TrimRight(value, "/")
}
