package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeMaps_Nested(t *testing.T) {
	base := map[string]interface{}{
		"db":     map[string]interface{}{"host": "localhost", "port": 5432},
		"server": map[string]interface{}{"port": ":8080"},
	}
	env := map[string]interface{}{
		"db": map[string]interface{}{"host": "postgres"},
	}

	merged := mergeMaps(base, env)
	db := merged["db"].(map[string]interface{})
	assert.Equal(t, "postgres", db["host"])
	assert.Equal(t, 5432, db["port"])
	assert.Equal(t, ":8080", merged["server"].(map[string]interface{})["port"])
}

func TestSubstituteEnvVars(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "TOKEN" {
			return "abc", true
		}
		return "", false
	}
	cfg := map[string]interface{}{
		"secret": "${TOKEN}",
		"plain":  "$not-a-var",
		"list":   []interface{}{"x-${TOKEN}", 3},
		"nested": map[string]interface{}{"missing": "${NOPE}"},
	}

	out := substituteEnvVars(cfg, lookup)
	assert.Equal(t, "abc", out["secret"])
	assert.Equal(t, "$not-a-var", out["plain"])
	assert.Equal(t, []interface{}{"x-abc", 3}, out["list"])
	assert.Equal(t, "", out["nested"].(map[string]interface{})["missing"])
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList(" a, ,b "))
	assert.Nil(t, SplitList(""))
}
