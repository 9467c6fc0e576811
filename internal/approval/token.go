package approval

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const tokenPrefix = "lat_"

// newRawToken генерирует криптостойкий секрет токена.
func newRawToken(nbytes int) (string, error) {
	if nbytes < 16 {
		nbytes = 32
	}
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("approval: generate token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken: детерминированный дайджест для поиска токена при погашении.
// Сам секрет после выдачи в хранилище не остается.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
