package proxy

import (
	"fmt"
	"regexp"
	"strings"
)

const redacted = "[redacted]"

// Redactor вычищает секреты из аргументов перед записью в аудит.
// Два уровня: по имени ключа (password, token, api_key...) и по виду значения (JWT, Bearer, приватный ключ).
type Redactor struct {
	keys     []string
	patterns []*regexp.Regexp
}

var builtinPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----.*?-----END [A-Z0-9 ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`), // JWT
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{10,}=*`),
	regexp.MustCompile(`\blat_[A-Za-z0-9_-]{20,}\b`), // наши approval-токены
}

var builtinKeys = []string{"apikey", "authorization", "token", "secret", "password", "passwd", "credential", "privatekey", "cookie"}

// NewRedactor: extraKeys: дополнительные подстроки имен ключей, extraPatterns: регулярки значений.
func NewRedactor(extraKeys, extraPatterns []string) (*Redactor, error) {
	r := &Redactor{
		keys:     append([]string{}, builtinKeys...),
		patterns: append([]*regexp.Regexp{}, builtinPatterns...),
	}
	for _, k := range extraKeys {
		if k = normalizeKey(k); k != "" {
			r.keys = append(r.keys, k)
		}
	}
	for _, p := range extraPatterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact возвращает копию аргументов; исходная карта не меняется.
func (r *Redactor) Redact(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out, _ := r.value(args).(map[string]any)
	return out
}

func (r *Redactor) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r.sensitiveKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = r.value(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.value(val)
		}
		return out
	case string:
		return r.redactString(t)
	default:
		return v
	}
}

func (r *Redactor) redactString(s string) string {
	if strings.TrimSpace(s) == "" {
		return s
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

func (r *Redactor) sensitiveKey(key string) bool {
	n := normalizeKey(key)
	if n == "" {
		return false
	}
	for _, k := range r.keys {
		if strings.Contains(n, k) {
			return true
		}
	}
	return false
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer("-", "", "_", "", ".", "").Replace(k)
}
