package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/xela07ax/latchgate/internal/waiter"
	"go.uber.org/zap"
)

var (
	approvalsCmd = &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and wait for approval requests as an agent",
	}

	approvalStatusCmd = &cobra.Command{
		Use:   "status [approval-id]",
		Short: "Poll an approval once (claims the token if it is ready)",
		Args:  cobra.ExactArgs(1),
		RunE:  approvalStatus,
	}

	approvalWaitCmd = &cobra.Command{
		Use:   "wait [approval-id]",
		Short: "Block until the approval is decided, expires, or the timeout passes",
		Args:  cobra.ExactArgs(1),
		RunE:  approvalWait,
	}

	waitTimeout  time.Duration
	waitInterval time.Duration
	verbose      bool
)

func init() {
	approvalWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 10*time.Minute, "how long to wait for a decision")
	approvalWaitCmd.Flags().DurationVar(&waitInterval, "interval", waiter.DefaultInterval, "poll interval")
	approvalWaitCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log poll attempts to stderr")

	approvalsCmd.AddCommand(approvalStatusCmd)
	approvalsCmd.AddCommand(approvalWaitCmd)
}

func newWaiterClient() (*waiter.Client, error) {
	if agentKey == "" {
		return nil, errors.New("agent key is required (--key or LATCH_AGENT_KEY)")
	}
	return waiter.NewClient(gatewayURL, agentKey, nil), nil
}

func approvalStatus(cmd *cobra.Command, args []string) error {
	client, err := newWaiterClient()
	if err != nil {
		return err
	}
	res, err := client.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func approvalWait(cmd *cobra.Command, args []string) error {
	client, err := newWaiterClient()
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
	}

	res, err := waiter.WaitForApproval(cmd.Context(), client, args[0], waitTimeout, waitInterval, waiter.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := printJSON(cmd, res); err != nil {
		return err
	}
	if res.Outcome != waiter.OutcomeApproved {
		return fmt.Errorf("approval %s: %s", args[0], res.Outcome)
	}
	return nil
}
