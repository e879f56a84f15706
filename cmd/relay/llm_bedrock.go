//go:build bedrock

package main

import (
	"log/slog"

	"llm-relay/internal/adapter/llm"
	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
)

func createBedrockProvider(vc config.VendorConfig, log *slog.Logger) (domain.ChatProvider, error) {
	return llm.NewBedrockProvider(vc, log)
}
