// Package personalize substitutes {{ path.to.value | 'default' }} tokens in
// subject lines and message bodies using a per-recipient data map.
package personalize

import (
	"fmt"
	"regexp"
	"strings"
)

// tokenPattern matches {{ path(.path)* }} with an optional single-quoted
// default after a pipe.
var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*)\s*(?:\|\s*'([^']*)'\s*)?\}\}`)

// Render replaces every token in input with the value found by walking data.
// A token with no matching value keeps its literal default when one is
// supplied, otherwise the token is left untouched.
func Render(input string, data map[string]interface{}) string {
	if input == "" || !strings.Contains(input, "{{") {
		return input
	}

	return tokenPattern.ReplaceAllStringFunc(input, func(token string) string {
		groups := tokenPattern.FindStringSubmatch(token)
		path := groups[1]
		hasDefault := strings.Contains(token, "|")
		fallback := groups[2]

		value, ok := resolve(data, strings.Split(path, "."))
		if !ok {
			if hasDefault {
				return fallback
			}
			return token
		}
		return fmt.Sprintf("%v", value)
	})
}

// resolve walks nested maps along path segments.
func resolve(data map[string]interface{}, path []string) (interface{}, bool) {
	var current interface{} = data
	for _, segment := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}
