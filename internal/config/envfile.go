package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// EnvFile describes an env file Load applied before reading the environment.
type EnvFile struct {
	Path     string
	Applied  []string // keys set from the file
	Problems []string
}

type envVar struct {
	key   string
	value string
}

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// envFileCandidates lists env files in precedence order: CODECLAW_ENV_FILE,
// then the state home, then the user config dir.
func envFileCandidates() []string {
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv("CODECLAW_ENV_FILE")); explicit != "" {
		paths = append(paths, explicit)
	}
	if home, err := resolveHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ConfigDir, "env"), filepath.Join(home, ConfigDir, ".env"))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "codeclaw", "env"))
	}
	return paths
}

// applyEnvFiles exports the variables of every readable candidate. Variables
// already in the process environment win, and so do earlier files.
func applyEnvFiles() []EnvFile {
	explicit := strings.TrimSpace(os.Getenv("CODECLAW_ENV_FILE"))
	seen := map[string]bool{}
	var applied []EnvFile
	for _, p := range envFileCandidates() {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true

		f, err := os.Open(abs)
		if err != nil {
			if p == explicit || !errors.Is(err, os.ErrNotExist) {
				applied = append(applied, EnvFile{Path: abs, Problems: []string{err.Error()}})
			}
			continue
		}
		vars, problems := parseEnv(f)
		f.Close()

		ef := EnvFile{Path: abs, Problems: problems}
		for _, v := range vars {
			if _, set := os.LookupEnv(v.key); set {
				continue
			}
			if err := os.Setenv(v.key, v.value); err != nil {
				ef.Problems = append(ef.Problems, fmt.Sprintf("%s: %v", v.key, err))
				continue
			}
			ef.Applied = append(ef.Applied, v.key)
		}
		applied = append(applied, ef)
	}
	return applied
}

// parseEnv reads KEY=VALUE lines. Blank lines, # comments and an "export "
// prefix are accepted. Single-quoted values are literal; double-quoted values
// take Go escapes; unquoted values end at " #". ${VAR} refers to keys defined
// earlier in the file, then to the process environment. Malformed lines are
// skipped and reported with their line number.
func parseEnv(r io.Reader) ([]envVar, []string) {
	var (
		vars     []envVar
		problems []string
	)
	local := map[string]string{}
	lookup := func(name string) (string, bool) {
		if v, ok := local[name]; ok {
			return v, true
		}
		return os.LookupEnv(name)
	}

	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || !envKey.MatchString(key) {
			problems = append(problems, fmt.Sprintf("line %d: expected KEY=VALUE", n))
			continue
		}
		value, err := envValue(strings.TrimSpace(raw), lookup)
		if err != nil {
			problems = append(problems, fmt.Sprintf("line %d: %s: %v", n, key, err))
			continue
		}
		local[key] = value
		vars = append(vars, envVar{key: key, value: value})
	}
	if err := sc.Err(); err != nil {
		problems = append(problems, err.Error())
	}
	return vars, problems
}

func envValue(raw string, lookup func(string) (string, bool)) (string, error) {
	switch {
	case strings.HasPrefix(raw, "'"):
		end := strings.IndexByte(raw[1:], '\'')
		if end < 0 {
			return "", errors.New("unterminated single quote")
		}
		if err := trailingComment(raw[end+2:]); err != nil {
			return "", err
		}
		return raw[1 : end+1], nil
	case strings.HasPrefix(raw, `"`):
		quoted, err := strconv.QuotedPrefix(raw)
		if err != nil {
			return "", errors.New("unterminated or invalid double quote")
		}
		if err := trailingComment(raw[len(quoted):]); err != nil {
			return "", err
		}
		v, err := strconv.Unquote(quoted)
		if err != nil {
			return "", err
		}
		return expandVars(v, lookup), nil
	default:
		if i := strings.Index(raw, " #"); i >= 0 {
			raw = strings.TrimSpace(raw[:i])
		}
		return expandVars(raw, lookup), nil
	}
}

func trailingComment(rest string) error {
	rest = strings.TrimSpace(rest)
	if rest == "" || strings.HasPrefix(rest, "#") {
		return nil
	}
	return fmt.Errorf("unexpected %q after quoted value", rest)
}
