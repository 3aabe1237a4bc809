package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOREMAN_TEST_HOST", "runner.internal")
	t.Setenv("FOREMAN_TEST_PORT", "8000")

	in := []byte("base_url: http://{{.FOREMAN_TEST_HOST}}:{{.FOREMAN_TEST_PORT}}")
	out := ExpandEnv(in)

	assert.Equal(t, "base_url: http://runner.internal:8000", string(out))
}

func TestExpandEnvMissingVariable(t *testing.T) {
	in := []byte("value: '{{.FOREMAN_TEST_DOES_NOT_EXIST}}'")
	out := ExpandEnv(in)

	assert.Equal(t, "value: ''", string(out))
}

func TestExpandEnvPreservesDollarSigns(t *testing.T) {
	// Redaction patterns and shell snippets carry literal $; expansion must
	// not touch them.
	in := []byte("pattern: 'token_[a-z0-9]+$'\ncommand: 'echo $HOME'")
	out := ExpandEnv(in)

	assert.Equal(t, string(in), string(out))
}

func TestExpandEnvPassesThroughInvalidTemplates(t *testing.T) {
	// Stray braces are left for the YAML parser to reject with a real error
	in := []byte("value: {{unclosed")
	out := ExpandEnv(in)

	assert.Equal(t, string(in), string(out))
}
