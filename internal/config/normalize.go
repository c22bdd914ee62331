package config

import "strings"

func (c *Config) normalize() error {
	for _, field := range []*string{&c.Paths.ArtifactDir, &c.Paths.LogDir} {
		expanded, err := expandPath(strings.TrimSpace(*field))
		if err != nil {
			return err
		}
		*field = expanded
	}

	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Fetch.Binary = strings.TrimSpace(c.Fetch.Binary)
	c.Enhance.Binary = strings.TrimSpace(c.Enhance.Binary)
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}
