package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go templates.
// Uses {{.VAR_NAME}} syntax instead of $ expansion because config values
// legitimately contain literal $ characters:
//
//   - redaction rule patterns: ^secret.*$, price\$[0-9]+
//   - policy path patterns and shell snippets: $HOME, ${PATH}
//
// Examples:
//   - {{.AGENT_BACKEND_URL}} → value of AGENT_BACKEND_URL
//   - {{.DB_HOST}}:{{.DB_PORT}} → hostname:port with both variables expanded
//   - pattern: "token_.*$" → preserved literally ($ not touched)
//
// Missing variables expand to empty string; validation catches required
// fields that end up empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// A file without template syntax (or with stray braces) passes
		// through untouched and the YAML parser reports the real problem.
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on the first = so values containing = survive.
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}

	return buf.Bytes()
}
