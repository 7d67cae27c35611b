// Package config loads obc.yaml, the flight software configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envRef matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}`)

// ExpandEnv substitutes environment references in a config document.
//
//	${VAR}           value of VAR, empty when unset
//	${VAR:-default}  value of VAR, or default when unset or empty
//	${VAR:?message}  value of VAR; an error naming VAR when unset or empty
//
// Comment lines are copied unchanged so documented examples in obc.yaml
// do not need to be set.
func ExpandEnv(input string) (string, error) {
	var errs []error
	lines := strings.SplitAfter(input, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines[i] = envRef.ReplaceAllStringFunc(line, func(ref string) string {
			m := envRef.FindStringSubmatch(ref)
			name, op, arg := m[1], m[2], m[3]
			if v := os.Getenv(name); v != "" {
				return v
			}
			switch op {
			case ":-":
				return arg
			case ":?":
				if arg == "" {
					arg = "required"
				}
				errs = append(errs, fmt.Errorf("${%s}: %s", name, arg))
			}
			return ""
		})
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return strings.Join(lines, ""), nil
}
