package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"persona-chatter/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		TelegramBotToken:      "123:abc",
		StorageType:           "json",
		StoragePath:           t.TempDir(),
		MaxContextLength:      10,
		CorruptDocumentPolicy: "empty",
		LLMProvider:           config.ProviderOpenAI,
		OpenAIAPIKey:          "lm-studio",
		OpenAIBaseURL:         "http://localhost:1234/v1",
		OpenAIModel:           "local-model",
		LogLevel:              "error",
		LogFormat:             "json",
		LogOutput:             "stderr",
		ReportCron:            "0 21 * * *",
	}
}

func TestRunRequiresToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.TelegramBotToken = ""

	err := run(cfg)
	require.ErrorContains(t, err, "TELEGRAM_BOT_TOKEN")

	_, statErr := os.Stat(filepath.Join(cfg.StoragePath, "users"))
	require.True(t, os.IsNotExist(statErr), "storage must not be opened")
}

func TestRunReturnsSchedulerError(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReportCron = "not a cron spec"

	err := run(cfg)
	require.ErrorContains(t, err, "start scheduler")
}

func TestRunReturnsBuildError(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageType = "cassandra"

	err := run(cfg)
	require.ErrorContains(t, err, "build engine")
}
