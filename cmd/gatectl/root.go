package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/latchgate/internal/infra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	configPath string
	gatewayURL string
	agentKey   string
)

var rootCmd = &cobra.Command{
	Use:   "gatectl",
	Short: "Operator and agent tooling for latchgate",
	Long: `gatectl talks to the gateway on behalf of an agent and prepares
credentials for operators and agents.

Examples:
  # Wait for a human decision and print the approval token
  gatectl approvals wait 6a1f... --key "$LATCH_AGENT_KEY" --timeout 10m

  # Mint a key for a new agent (store only the printed hash)
  gatectl keys generate billing-bot

  # Issue a console token for an operator
  gatectl tokens issue --user alice --workspace ws-1
`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", getEnvOrDefault("LATCH_GATEWAY_URL", "http://localhost:8080"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&agentKey, "key", os.Getenv("LATCH_AGENT_KEY"), "agent key <agent_id>.<secret>")

	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(seedCmd)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig() (*infra.Config, *zap.Logger, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
