package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key, &key.PublicKey
}

func TestSignerAndValidator(t *testing.T) {
	priv, pub := newKeyPair(t)
	signer := NewSigner(priv, "latchgate", time.Hour)

	tok, err := signer.Issue("alice", []string{"ws-1"})
	require.NoError(t, err)

	claims, err := NewBaseValidator(pub, "latchgate").VerifyToken("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.True(t, claims.MemberOf("ws-1"))
	assert.False(t, claims.MemberOf("ws-2"))

	_, err = NewBaseValidator(pub, "someone-else").VerifyToken(tok)
	assert.Error(t, err, "чужой issuer")

	_, otherPub := newKeyPair(t)
	_, err = NewBaseValidator(otherPub, "").VerifyToken(tok)
	assert.Error(t, err, "чужой ключ")
}

func TestValidator_RejectsExpired(t *testing.T) {
	priv, pub := newKeyPair(t)
	signer := NewSigner(priv, "latchgate", time.Minute)
	signer.now = func() time.Time { return time.Now().Add(-time.Hour) }

	tok, err := signer.Issue("alice", nil)
	require.NoError(t, err)
	_, err = NewBaseValidator(pub, "latchgate").VerifyToken(tok)
	assert.Error(t, err)
}

func TestParseRSAKeys(t *testing.T) {
	priv, _ := newKeyPair(t)

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	gotPriv, err := ParseRSAPrivateKey(privPEM)
	require.NoError(t, err)
	assert.True(t, gotPriv.Equal(priv))

	gotPub, err := ParseRSAPublicKey(pubPEM)
	require.NoError(t, err)
	assert.True(t, gotPub.Equal(&priv.PublicKey))

	_, err = ParseRSAPublicKey(nil)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	priv, pub := newKeyPair(t)
	tok, err := NewSigner(priv, "", time.Hour).Issue("bot", []string{"ws-1"})
	require.NoError(t, err)

	h := NewMiddleware(NewBaseValidator(pub, ""), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := ClaimsFrom(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(c.UserID))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bot", rec.Body.String())
}
