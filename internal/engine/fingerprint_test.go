package engine_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/latchgate/internal/engine"
)

func TestArgsHash_Canonical(t *testing.T) {
	a, err := engine.ArgsHash(json.RawMessage(`{"to":"bob@example.com","cc":["a","b"],"n":100}`))
	require.NoError(t, err)
	b, err := engine.ArgsHash(json.RawMessage(`{ "n": 1e2, "cc": ["a", "b"],
		"to": "bob@example.com" }`))
	require.NoError(t, err)
	assert.Equal(t, a, b, "порядок ключей, пробелы и запись чисел не влияют на отпечаток")

	c, err := engine.ArgsHash(json.RawMessage(`{"to":"bob@example.com","cc":["b","a"],"n":100}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "порядок элементов массива значим")
}

func TestArgsHash_EmptyIsObject(t *testing.T) {
	empty, err := engine.ArgsHash(nil)
	require.NoError(t, err)
	null, err := engine.ArgsHash(json.RawMessage(`null`))
	require.NoError(t, err)
	obj, err := engine.ArgsHash(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, obj, empty)
	assert.Equal(t, obj, null)

	_, err = engine.ArgsHash(json.RawMessage(`{"a":`))
	assert.Error(t, err)
}

func TestRequestHash_BindsUpstreamAndTool(t *testing.T) {
	args, err := engine.ArgsHash(json.RawMessage(`{"x":1}`))
	require.NoError(t, err)

	base := engine.RequestHash("up-1", "send_email", args)
	assert.Equal(t, base, engine.RequestHash("up-1", "send_email", args))
	assert.NotEqual(t, base, engine.RequestHash("up-2", "send_email", args))
	assert.NotEqual(t, base, engine.RequestHash("up-1", "send_sms", args))
	// разделитель не дает склеить поля по-разному
	assert.NotEqual(t, engine.RequestHash("a", "bc", args), engine.RequestHash("ab", "c", args))
}
