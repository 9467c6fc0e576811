package domain

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims: claims токена консоли. Workspaces определяют членство оператора
// (или бота-нотификатора), которому разрешено разрешать заявки.
type CustomClaims struct {
	UserID     string   `json:"user_id"`
	Workspaces []string `json:"workspaces"`
	jwt.RegisteredClaims
}

// MemberOf проверяет членство в workspace.
func (c *CustomClaims) MemberOf(workspaceID string) bool {
	return slices.Contains(c.Workspaces, workspaceID)
}
