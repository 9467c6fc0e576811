package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/engine"
	"github.com/xela07ax/latchgate/internal/repository/sqlite"
	"go.uber.org/zap"
)

// Seed-файл dev-стенда. Управление каталогом в проде живет вне шлюза.
type seedFile struct {
	Agents    []seedAgent    `mapstructure:"agents"`
	Upstreams []seedUpstream `mapstructure:"upstreams"`
	Rules     []seedRule     `mapstructure:"rules"`
}

type seedAgent struct {
	ID          string `mapstructure:"id"`
	WorkspaceID string `mapstructure:"workspace_id"`
	Name        string `mapstructure:"name"`
}

type seedUpstream struct {
	ID          string            `mapstructure:"id"`
	WorkspaceID string            `mapstructure:"workspace_id"`
	Name        string            `mapstructure:"name"`
	Transport   string            `mapstructure:"transport"`
	URL         string            `mapstructure:"url"`
	Target      string            `mapstructure:"target"`
	Headers     map[string]string `mapstructure:"headers"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Tools       []seedTool        `mapstructure:"tools"`
}

type seedTool struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	ReadOnly    bool   `mapstructure:"read_only"`
}

type seedRule struct {
	ID          string `mapstructure:"id"`
	WorkspaceID string `mapstructure:"workspace_id"`
	Effect      string `mapstructure:"effect"`
	ActionClass string `mapstructure:"action_class"`
	UpstreamID  string `mapstructure:"upstream_id"`
	ToolName    string `mapstructure:"tool_name"`
	Domain      string `mapstructure:"domain"`
	Recipient   string `mapstructure:"recipient"`
	Priority    int    `mapstructure:"priority"`
}

var seedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Load agents, upstreams and rules into a SQLite store (dev only)",
	Long: `Reads a YAML seed file and inserts its catalog into the SQLite database
from the config. Generated agent keys are printed once.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("seed supports the sqlite driver only, got %q", cfg.Database.Driver)
	}

	v := viper.New()
	v.SetConfigFile(args[0])
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := v.Unmarshal(&seed); err != nil {
		return fmt.Errorf("decode seed file: %w", err)
	}

	ctx := cmd.Context()
	store, err := sqlite.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now().UTC()
	keys := make(map[string]string, len(seed.Agents))
	for _, a := range seed.Agents {
		key, hash, err := engine.GenerateAgentKey(a.ID, cfg.Auth.BcryptCost)
		if err != nil {
			return err
		}
		if err := store.CreateAgent(ctx, &domain.Agent{
			ID: a.ID, WorkspaceID: a.WorkspaceID, Name: a.Name, KeyHash: hash, CreatedAt: now,
		}); err != nil {
			return err
		}
		keys[a.ID] = key
	}

	for _, u := range seed.Upstreams {
		if err := store.CreateUpstream(ctx, u.toDomain()); err != nil {
			return err
		}
	}

	for _, r := range seed.Rules {
		rule := r.toDomain(now)
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if err := store.CreateRule(ctx, rule); err != nil {
			return err
		}
	}

	logger.Info("seed loaded",
		zap.Int("agents", len(seed.Agents)),
		zap.Int("upstreams", len(seed.Upstreams)),
		zap.Int("rules", len(seed.Rules)))
	return printJSON(cmd, map[string]any{"agent_keys": keys})
}

func (u seedUpstream) toDomain() *domain.Upstream {
	tools := make([]domain.Tool, 0, len(u.Tools))
	for _, t := range u.Tools {
		tool := domain.Tool{Name: t.Name, Description: t.Description}
		if t.ReadOnly {
			tool.Annotations = map[string]any{"readOnlyHint": true}
		}
		tools = append(tools, tool)
	}
	return &domain.Upstream{
		ID:          u.ID,
		WorkspaceID: u.WorkspaceID,
		Name:        u.Name,
		Connection: domain.Connection{
			Transport: domain.Transport(u.Transport),
			URL:       u.URL,
			Target:    u.Target,
			Headers:   u.Headers,
			Timeout:   domain.Duration(u.Timeout),
		},
		Tools: tools,
	}
}

func (r seedRule) toDomain(now time.Time) *domain.PolicyRule {
	return &domain.PolicyRule{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		Effect:      domain.Effect(r.Effect),
		ActionClass: domain.ActionClass(r.ActionClass),
		UpstreamID:  optional(r.UpstreamID),
		ToolName:    optional(r.ToolName),
		Domain:      optional(r.Domain),
		Recipient:   optional(r.Recipient),
		Priority:    r.Priority,
		Enabled:     true,
		Source:      domain.RuleSourceAuthored,
		CreatedAt:   now,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
