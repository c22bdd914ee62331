package config

// Default returns the baseline configuration used before a config file is applied.
func Default() Config {
	return Config{
		Paths: Paths{
			ArtifactDir: "~/.local/share/vidharvest/artifacts",
			LogDir:      "~/.local/share/vidharvest/logs",
			APIBind:     "127.0.0.1:7939",
		},
		Fetch: Fetch{
			Binary:             "yt-dlp",
			MaxConcurrent:      3,
			ProgressIntervalMS: 750,
			MaxRetries:         1,
		},
		Enhance: Enhance{
			Binary:         "ffmpeg",
			TimeoutSeconds: 300,
		},
		Retention: Retention{
			GraceSeconds:         5,
			MaxAgeHours:          2,
			SweepIntervalMinutes: 60,
		},
		Workflow: Workflow{
			StallThresholdSeconds: 30,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}
