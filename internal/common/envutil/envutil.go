// Package envutil interpolates environment variables into scenario files and
// loads dotenv files into the process environment.
package envutil

import (
	"fmt"
	"os"
	"strings"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
	"github.com/joho/godotenv"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// LookupFunc resolves a variable name, reporting whether it is set
type LookupFunc func(name string) (string, bool)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set are left untouched and a missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" || !fsutil.FileExists(path) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ExpandEnv interpolates s against the process environment
func ExpandEnv(s string) (string, error) {
	return Expand(s, os.LookupEnv)
}

// Expand interpolates shell parameter references in s:
//
//	$$                literal $
//	$VAR, ${VAR}      value, empty when unset
//	${VAR:-default}   default when unset or empty
//	${VAR-default}    default when unset
//	${VAR:?message}   error when unset or empty
//	${VAR:+alt}       alt when set and non-empty
//
// Backslashes, backticks and any other $ are kept as written.
func Expand(s string, lookup LookupFunc) (string, error) {
	word, err := syntax.NewParser().Document(strings.NewReader(shieldLiterals(s)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrInterpolation, err)
	}

	out, err := expand.Document(&expand.Config{Env: lookupEnviron(lookup)}, word)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrInterpolation, err)
	}
	return out, nil
}

// shieldLiterals escapes what a here-document would interpret besides
// parameter references, and turns $$ into an escaped $
func shieldLiterals(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' || c == '`':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c != '$':
			b.WriteByte(c)
		case i+1 < len(s) && s[i+1] == '$':
			b.WriteString(`\$`)
			i++
		case i+1 < len(s) && (s[i+1] == '{' || isNameStart(s[i+1])):
			b.WriteByte(c)
		default:
			b.WriteString(`\$`)
		}
	}
	return b.String()
}

// lookupEnviron exposes a LookupFunc to the expander, keeping unset and
// empty apart
type lookupEnviron LookupFunc

func (f lookupEnviron) Get(name string) expand.Variable {
	value, ok := f(name)
	if !ok {
		return expand.Variable{}
	}
	return expand.Variable{Exported: true, Kind: expand.String, Str: value}
}

func (f lookupEnviron) Each(func(name string, vr expand.Variable) bool) {}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
