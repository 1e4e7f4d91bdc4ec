package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the effective pipeline shape
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Brainrot", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("transport", config.Messaging.Transport).
		Str("llm_provider", string(config.LLM.Provider)).
		Int("workers", config.Pipeline.Workers).
		Int("max_heavy_jobs", config.Pipeline.MaxHeavyJobs).
		Msg("Brainrot starting")
}
