package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nulzo/relay/internal/core/domain"
)

// interpRe matches {env:VAR}, {file:path}, and {cmd:...} substitution tokens.
var interpRe = regexp.MustCompile(`\{(env|file|cmd):([^}]+)\}`)

// coreEnvPatterns is the always-present allowlist for {env:...} references.
// User patterns from secret_env_allowlist extend it; everything else is
// rejected.
var coreEnvPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^RELAY_`),
	regexp.MustCompile(`^OPENAI_API_KEY$`),
	regexp.MustCompile(`^ANTHROPIC_API_KEY$`),
}

// secretDirName is the project subdirectory always allowed for {file:...}.
const secretDirName = ".relay.d"

// Interpolator resolves secret substitution tokens subject to the env-name
// allowlist and file-location restrictions. Violations fail closed.
type Interpolator struct {
	projectRoot string
	extraEnv    []*regexp.Regexp
	allowedDirs []string

	dotenvOnce sync.Once
	dotenv     map[string]string
}

// NewInterpolator compiles the user allowlist patterns and builds an
// interpolator rooted at projectRoot.
func NewInterpolator(projectRoot string, envAllowlist, secretPaths []string) (*Interpolator, error) {
	extra := make([]*regexp.Regexp, 0, len(envAllowlist))
	for _, p := range envAllowlist {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, domain.ConfigError("invalid regex in secret_env_allowlist: %q: %v", p, err)
		}
		extra = append(extra, re)
	}
	return &Interpolator{
		projectRoot: projectRoot,
		extraEnv:    extra,
		allowedDirs: secretPaths,
	}, nil
}

// HasToken reports whether a string contains a substitution token.
func HasToken(s string) bool { return interpRe.MatchString(s) }

// Interpolate resolves every token in value. Unknown token types and
// disabled forms ({cmd:...}) are config errors.
func (in *Interpolator) Interpolate(value string) (string, error) {
	var firstErr error
	out := interpRe.ReplaceAllStringFunc(value, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		m := interpRe.FindStringSubmatch(tok)
		resolved, err := in.resolveToken(m[1], m[2])
		if err != nil {
			firstErr = err
			return tok
		}
		return resolved
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (in *Interpolator) resolveToken(kind, ref string) (string, error) {
	switch kind {
	case "env":
		if !in.envAllowed(ref) {
			return "", domain.ConfigError("environment variable '%s' is not in the secret allowlist", ref)
		}
		val, ok := in.lookupEnv(ref)
		if !ok {
			return "", domain.ConfigError("environment variable '%s' is not set", ref)
		}
		return val, nil
	case "file":
		path, err := in.checkFileAllowed(ref)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", domain.ConfigError("cannot read secret file %s: %v", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	case "cmd":
		return "", domain.ConfigError("command substitution ({cmd:...}) is not supported")
	}
	return "", domain.ConfigError("unknown substitution type: %s", kind)
}

func (in *Interpolator) envAllowed(name string) bool {
	for _, re := range coreEnvPatterns {
		if re.MatchString(name) {
			return true
		}
	}
	for _, re := range in.extraEnv {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// lookupEnv checks the process environment first, then .env.local in the
// project root. The dotenv layer loads once and never mutates the process
// environment.
func (in *Interpolator) lookupEnv(name string) (string, bool) {
	if val, ok := os.LookupEnv(name); ok {
		return val, true
	}
	in.dotenvOnce.Do(func() {
		vars, err := godotenv.Read(filepath.Join(in.projectRoot, ".env.local"))
		if err != nil {
			in.dotenv = map[string]string{}
			return
		}
		in.dotenv = vars
	})
	val, ok := in.dotenv[name]
	return val, ok
}

// checkFileAllowed validates a {file:...} path: inside an allowed
// directory, not a symlink, owned by the invoking user, and no more
// permissive than owner read/write.
func (in *Interpolator) checkFileAllowed(ref string) (string, error) {
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(in.projectRoot, path)
	}
	path = filepath.Clean(path)

	allowed := append([]string{filepath.Join(in.projectRoot, secretDirName)}, in.allowedDirs...)
	inAllowed := false
	for _, dir := range allowed {
		rel, err := filepath.Rel(filepath.Clean(dir), path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			inAllowed = true
			break
		}
	}
	if !inAllowed {
		return "", domain.ConfigError("secret file '%s' is outside the allowed directories (%s/ or secret_paths)", ref, secretDirName)
	}

	info, err := os.Lstat(path)
	if err != nil {
		return "", domain.ConfigError("secret file not found: %s", path)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", domain.ConfigError("secret file must not be a symlink: %s", ref)
	}
	if !info.Mode().IsRegular() {
		return "", domain.ConfigError("secret file is not a regular file: %s", ref)
	}

	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		if int(st.Uid) != os.Getuid() {
			return "", domain.ConfigError("secret file not owned by current user: %s", path)
		}
	}
	// Reject group-write and any other-bits; owner rw only.
	if info.Mode().Perm()&0o137 != 0 {
		return "", domain.ConfigError("secret file has unsafe permissions (%#o): %s, must be <= 0640", info.Mode().Perm(), path)
	}

	return path, nil
}

// secretRef is a deferred auth value. Resolution happens on first Value
// call and is memoized, so misconfiguration of one provider never blocks
// use of another.
type secretRef struct {
	raw      string
	provider string
	interp   *Interpolator

	once sync.Once
	val  string
	err  error
}

// NewSecretRef wraps a raw auth template for deferred resolution.
func NewSecretRef(raw, provider string, interp *Interpolator) domain.Secret {
	return &secretRef{raw: raw, provider: provider, interp: interp}
}

func (r *secretRef) Value() (string, error) {
	r.once.Do(func() {
		val, err := r.interp.Interpolate(r.raw)
		if err != nil {
			r.err = domain.ConfigError("auth resolution failed for provider '%s': %v", r.provider, err)
			return
		}
		r.val = val
	})
	return r.val, r.err
}

// Redacted annotates the marker with the token sources, never the value.
func (r *secretRef) Redacted() string {
	matches := interpRe.FindAllStringSubmatch(r.raw, -1)
	sources := make([]string, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, m[1]+":"+m[2])
	}
	return fmt.Sprintf("%s (from %s)", domain.Redacted, strings.Join(sources, ", "))
}
