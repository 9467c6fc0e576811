package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/latchgate/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Ключ агента: "<agent_id>.<secret>". Хранится только bcrypt от secret.
const keySeparator = "."

// bcrypt обрабатывает не более 72 байт
const maxSecretLen = 72

// ParseAgentKey разбирает ключ на id и секрет. Проверяет только форму, не подлинность.
func ParseAgentKey(key string) (agentID, secret string, err error) {
	key = strings.TrimSpace(key)
	agentID, secret, ok := strings.Cut(key, keySeparator)
	if !ok || agentID == "" || secret == "" || len(secret) > maxSecretLen {
		return "", "", domain.ErrUnauthenticated
	}
	return agentID, secret, nil
}

// GenerateAgentKey выпускает новый ключ для агента и его bcrypt-хэш для регистрации.
func GenerateAgentKey(agentID string, cost int) (key, hash string, err error) {
	if agentID == "" || strings.Contains(agentID, keySeparator) {
		return "", "", fmt.Errorf("invalid agent id %q", agentID)
	}
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(b)
	hash, err = HashSecret(secret, cost)
	if err != nil {
		return "", "", err
	}
	return agentID + keySeparator + secret, hash, nil
}

func HashSecret(secret string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(h), nil
}

// authenticate: шаг 1 конвейера: сверка хэша, kill-switch. Сырой ключ не логируется.
func (e *Engine) authenticate(ctx context.Context, key string) (*domain.Agent, error) {
	agentID, secret, err := ParseAgentKey(key)
	if err != nil {
		return nil, err
	}

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnauthenticated
		}
		return nil, fmt.Errorf("%w: load agent: %v", domain.ErrInternal, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(agent.KeyHash), []byte(secret)); err != nil {
		return nil, domain.ErrUnauthenticated
	}

	// Kill-switch: статус в БД или мгновенный сигнал через Redis
	if agent.Status == domain.AgentBlocked || (e.killSwitch != nil && e.killSwitch.Contains(agent.ID)) {
		e.logger.Warn("intercepted blocked agent request", zap.String("agent_id", agent.ID))
		return nil, domain.ErrUnauthenticated
	}
	return agent, nil
}
