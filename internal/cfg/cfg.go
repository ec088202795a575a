// Package cfg is the service configuration: one flag per field, filled from
// the command line, then the environment (including a .env file), then an
// optional JSON document in AWS SSM, then the defaults below.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/siwes-logbook/internal/log"
	"github.com/keithlinneman/siwes-logbook/internal/pathutil"
)

// EnvPrefix is prepended to the upper-cased flag name, so -http-port is
// SIWES_HTTP_PORT.
const EnvPrefix = "SIWES_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort     int
	AdminPort    int
	Production   bool
	UpstreamURL  string
	MaxBodyBytes int64
	TrustedHops  int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	RateLimitWindow        time.Duration
	RateLimitMax           int
	RateLimitExempt        string
	RateLimitSweepProb     float64
	RateLimitSweepInterval time.Duration
	RateLimitFailOpen      bool
	RateLimitTrustedProxy  bool
	RedisAddr              string
	RedisPassword          string
	RedisDB                int

	CSRFLifetime   time.Duration
	CSRFExempt     string
	CSRFHeaderEcho bool

	SessionSecret     string
	SessionCookie     string
	SessionTimeout    time.Duration
	ProtectedPrefixes string
	DashboardPath     string
	SignInPath        string
	AuthPrefix        string
	APIPrefix         string
	StaticPrefixes    string
	StaticExtensions  string

	EnvFile        string
	ConfigSSMParam string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or text (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error chain links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.Production, "production", false, "production mode: Secure cookies and HSTS")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "http://127.0.0.1:3000", "logbook application base URL")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 10<<20, "max request body size forwarded upstream")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "number of trusted proxies in front of this service")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.DurationVar(&c.RateLimitWindow, "ratelimit-window", time.Minute, "rate limit window length")
	fs.IntVar(&c.RateLimitMax, "ratelimit-max", 100, "requests allowed per client, path and window")
	fs.StringVar(&c.RateLimitExempt, "ratelimit-exempt", "/api/health,/api/status", "comma separated path prefixes never rate limited")
	fs.Float64Var(&c.RateLimitSweepProb, "ratelimit-sweep-prob", 0.01, "chance per request of sweeping expired in-memory entries (0..1)")
	fs.DurationVar(&c.RateLimitSweepInterval, "ratelimit-sweep-interval", 5*time.Minute, "background sweep interval for in-memory entries (0 disables)")
	fs.BoolVar(&c.RateLimitFailOpen, "ratelimit-fail-open", true, "let requests through when the rate limit store fails")
	fs.BoolVar(&c.RateLimitTrustedProxy, "ratelimit-trusted-proxy", false, "identify clients with -trusted-hops instead of the first X-Forwarded-For entry")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for a shared rate limit store (empty keeps counters in memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")

	fs.DurationVar(&c.CSRFLifetime, "csrf-lifetime", 15*time.Minute, "CSRF token lifetime")
	fs.StringVar(&c.CSRFExempt, "csrf-exempt", "/api/auth,/api/webhooks,/api/public", "comma separated path prefixes exempt from CSRF validation")
	fs.BoolVar(&c.CSRFHeaderEcho, "csrf-header-echo", false, "also require the token in the X-CSRF-Token header")

	fs.StringVar(&c.SessionSecret, "session-secret", "", "HS256 secret for session tokens (empty: every visitor is signed out)")
	fs.StringVar(&c.SessionCookie, "session-cookie", "session-token", "session cookie name")
	fs.DurationVar(&c.SessionTimeout, "session-timeout", 2*time.Second, "max time for a session lookup")
	fs.StringVar(&c.ProtectedPrefixes, "protected-prefixes", "/dashboard,/logbook,/supervisor", "comma separated path prefixes that require a session")
	fs.StringVar(&c.DashboardPath, "dashboard-path", "/dashboard", "where signed-in users are sent from auth pages")
	fs.StringVar(&c.SignInPath, "signin-path", "/auth/signin", "where anonymous users are sent from protected pages")
	fs.StringVar(&c.AuthPrefix, "auth-prefix", "/auth/", "path prefix of sign-in pages; signed-in users are sent to the dashboard")
	fs.StringVar(&c.APIPrefix, "api-prefix", "/api/", "path prefix of API routes, which skip the session lookup")
	fs.StringVar(&c.StaticPrefixes, "static-prefixes", "/_next/,/static/", "comma separated path prefixes served without any checks")
	fs.StringVar(&c.StaticExtensions, "static-extensions", "ico,png,jpg,jpeg,svg,css,js,woff,woff2,ttf,eot", "comma separated file extensions (case-sensitive, no dot) served without any checks")

	fs.StringVar(&c.EnvFile, "env-file", ".env", "dotenv file loaded into the environment if it exists")
	fs.StringVar(&c.ConfigSSMParam, "config-ssm-param", "", "SSM parameter holding a JSON object of flag overrides")
}

// SplitList splits a comma separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EnvKey is the environment variable for flag name.
func EnvKey(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// explicitFlags returns the flags set on the command line.
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	return explicit
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := explicitFlags(fs)
	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be positive (got %d)", c.MaxBodyBytes))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.RateLimitWindow < time.Second {
		errs = append(errs, fmt.Errorf("RATELIMIT_WINDOW must be at least 1s (got %s)", c.RateLimitWindow))
	}
	if c.RateLimitMax < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX must be positive (got %d)", c.RateLimitMax))
	}
	if c.RateLimitSweepProb < 0 || c.RateLimitSweepProb > 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_PROB must be 0..1 (got %.3f)", c.RateLimitSweepProb))
	}
	if c.RateLimitSweepInterval < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_INTERVAL must be >= 0 (got %s)", c.RateLimitSweepInterval))
	}
	if c.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0 (got %d)", c.RedisDB))
	}

	if c.CSRFLifetime < time.Minute {
		errs = append(errs, fmt.Errorf("CSRF_LIFETIME must be at least 1m (got %s)", c.CSRFLifetime))
	}

	if c.SessionSecret != "" && len(c.SessionSecret) < 32 {
		errs = append(errs, errors.New("SESSION_SECRET must be at least 32 bytes"))
	}
	if c.SessionCookie == "" {
		errs = append(errs, errors.New("SESSION_COOKIE is required"))
	}
	for name, p := range map[string]string{"DASHBOARD_PATH": c.DashboardPath, "SIGNIN_PATH": c.SignInPath} {
		if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
			errs = append(errs, fmt.Errorf("%s must be a local absolute path (got %q)", name, p))
		}
	}
	if len(SplitList(c.ProtectedPrefixes)) == 0 {
		errs = append(errs, errors.New("PROTECTED_PREFIXES must name at least one prefix"))
	}
	for name, p := range map[string]string{"AUTH_PREFIX": c.AuthPrefix, "API_PREFIX": c.APIPrefix} {
		if !strings.HasPrefix(p, "/") || p == "/" {
			errs = append(errs, fmt.Errorf("%s must be an absolute path prefix other than / (got %q)", name, p))
		}
	}
	for _, p := range SplitList(c.StaticPrefixes) {
		if !strings.HasPrefix(p, "/") || p == "/" || pathutil.HasDotSegments(p) {
			errs = append(errs, fmt.Errorf("STATIC_PREFIXES entry %q must be an absolute path prefix other than /", p))
		}
	}
	for _, e := range SplitList(c.StaticExtensions) {
		if strings.ContainsAny(e, "./") {
			errs = append(errs, fmt.Errorf("STATIC_EXTENSIONS entry %q must be a bare extension like css", e))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
