package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// CanonicalArgs приводит JSON аргументов к канонической форме RFC 8785 (JCS):
// ключи отсортированы, пробелы убраны, числа нормализованы. null и пустое тело: пустой объект.
func CanonicalArgs(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []byte("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("decode arguments: invalid JSON")
	}
	canon, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize arguments: %w", err)
	}
	return canon, nil
}

// ArgsHash: sha256 канонических аргументов.
func ArgsHash(raw json.RawMessage) (string, error) {
	canon, err := CanonicalArgs(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// RequestHash: отпечаток вызова: тот же upstream, тот же инструмент, те же аргументы.
// Им токен привязывается к ровно одному вызову.
func RequestHash(upstreamID, toolName, argsHash string) string {
	h := sha256.New()
	h.Write([]byte(upstreamID))
	h.Write([]byte{'\n'})
	h.Write([]byte(toolName))
	h.Write([]byte{'\n'})
	h.Write([]byte(argsHash))
	return hex.EncodeToString(h.Sum(nil))
}
