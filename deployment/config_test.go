package deployment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentdeploy/errors"
)

const validConfig = `{
	"name": "weather-tools",
	"runtime": "python",
	"runtime_version": "3.12.1",
	"source": "git::https://example.com/tools.git",
	"port": 8080,
	"env": {"API_BASE": "https://api.example.com"},
	"tools": ["forecast"]
}`

func TestCheckSyntax(t *testing.T) {
	assert.NoError(t, CheckSyntax(json.RawMessage(`{}`)))
	assert.NoError(t, CheckSyntax(json.RawMessage(validConfig)))

	for _, bad := range []string{``, `   `, `null`, `[]`, `"x"`, `{"name":`, `42`} {
		err := CheckSyntax(json.RawMessage(bad))
		assert.True(t, errors.IsInvalidRequestError(err), "%q should be rejected", bad)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Run("valid config gets defaults", func(t *testing.T) {
		cfg, err := ValidateConfig(json.RawMessage(validConfig))
		require.NoError(t, err)
		assert.Equal(t, "weather-tools", cfg.Name)
		assert.Equal(t, DefaultHealthPath, cfg.HealthPath)
		assert.Equal(t, DefaultTransport, cfg.Transport)
		assert.Equal(t, 1, cfg.Replicas)
	})

	t.Run("empty object names first missing field", func(t *testing.T) {
		_, err := ValidateConfig(json.RawMessage(`{}`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrValidationFailed))
		assert.Equal(t, "missing required field: name", err.Error())
	})

	tests := []struct {
		name    string
		payload string
		wantMsg string
	}{
		{"missing runtime", `{"name":"a"}`, "missing required field: runtime"},
		{"missing port", `{"name":"a","runtime":"go"}`, "missing required field: port"},
		{"missing source and image", `{"name":"a","runtime":"go","port":80}`, "missing required field: source (or image)"},
		{"bad name", `{"name":"Not_DNS","runtime":"go","port":80,"image":"x"}`, "invalid field name"},
		{"bad runtime", `{"name":"a","runtime":"cobol","port":80,"image":"x"}`, "invalid field runtime"},
		{"bad version", `{"name":"a","runtime":"go","runtime_version":"latest","port":80,"image":"x"}`, "invalid field runtime_version"},
		{"bad port", `{"name":"a","runtime":"go","port":70000,"image":"x"}`, "invalid field port"},
		{"bad env", `{"name":"a","runtime":"go","port":80,"image":"x","env":{"lower":"v"}}`, "invalid field env"},
		{"bad transport", `{"name":"a","runtime":"go","port":80,"image":"x","transport":"grpc"}`, "invalid field transport"},
		{"bad replicas", `{"name":"a","runtime":"go","port":80,"image":"x","replicas":50}`, "invalid field replicas"},
		{"unknown field", `{"name":"a","runtime":"go","port":80,"image":"x","colour":"red"}`, "unknown field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateConfig(json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidationFailed))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	cfg, err := ValidateConfig(json.RawMessage(validConfig))
	require.NoError(t, err)

	data, sum, err := cfg.Canonical()
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	decoded, err := DecodeSaved(data, sum)
	require.NoError(t, err)
	assert.Equal(t, cfg, decoded)

	_, err = DecodeSaved(data, "deadbeef")
	assert.Error(t, err)
}
