package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the resolved listen address
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Hearth", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("host", config.Server.Host).
		Int("port", config.Server.Port).
		Msg("Hearth accelerator orchestrator")
}
