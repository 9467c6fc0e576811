package main

import (
	"github.com/spf13/cobra"
	"github.com/xela07ax/latchgate/internal/engine"
	"golang.org/x/crypto/bcrypt"
)

var (
	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Agent key management",
	}

	keysGenerateCmd = &cobra.Command{
		Use:   "generate [agent-id]",
		Short: "Generate an agent key and the bcrypt hash to register",
		Long: `Generates "<agent-id>.<secret>". The full key is shown once;
only the hash goes into the agents table.`,
		Args: cobra.ExactArgs(1),
		RunE: generateKey,
	}

	bcryptCost int
)

func init() {
	keysGenerateCmd.Flags().IntVar(&bcryptCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	keysCmd.AddCommand(keysGenerateCmd)
}

func generateKey(cmd *cobra.Command, args []string) error {
	key, hash, err := engine.GenerateAgentKey(args[0], bcryptCost)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]string{
		"agent_id": args[0],
		"key":      key,
		"key_hash": hash,
	})
}
