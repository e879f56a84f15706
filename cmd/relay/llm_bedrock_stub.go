//go:build !bedrock

package main

import (
	"fmt"
	"log/slog"

	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
)

func createBedrockProvider(_ config.VendorConfig, _ *slog.Logger) (domain.ChatProvider, error) {
	return nil, fmt.Errorf("bedrock provider requires build with -tags bedrock")
}
