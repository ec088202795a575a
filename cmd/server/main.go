package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/siwes-logbook/internal/cfg"
	"github.com/keithlinneman/siwes-logbook/internal/csrf"
	"github.com/keithlinneman/siwes-logbook/internal/edge"
	"github.com/keithlinneman/siwes-logbook/internal/edgehttp"
	"github.com/keithlinneman/siwes-logbook/internal/health"
	"github.com/keithlinneman/siwes-logbook/internal/httpmw"
	"github.com/keithlinneman/siwes-logbook/internal/opshttp"
	"github.com/keithlinneman/siwes-logbook/internal/ratelimit"
	"github.com/keithlinneman/siwes-logbook/internal/session"
	"github.com/keithlinneman/siwes-logbook/internal/sitehttp"

	"github.com/keithlinneman/siwes-logbook/internal/httpserver"
	"github.com/keithlinneman/siwes-logbook/internal/log"
	"github.com/keithlinneman/siwes-logbook/internal/metrics"
	"github.com/keithlinneman/siwes-logbook/internal/otelx"
	"github.com/keithlinneman/siwes-logbook/internal/prof"
	v "github.com/keithlinneman/siwes-logbook/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s.%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}

	// .env values never override variables already set in the environment
	if loaded, err := cfg.LoadDotenv(conf.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	} else if loaded {
		stderrf("loaded environment from %s", conf.EnvFile)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, stderrf)

	// SSM is the lowest-precedence source, only filling flags left unset
	if conf.ConfigSSMParam != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to load AWS config:", err)
			os.Exit(1)
		}
		applied, err := cfg.ApplySSM(ctx, flag.CommandLine, ssm.NewFromConfig(awsCfg), conf.ConfigSSMParam, cfg.EnvPrefix)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
		stderrf("applied %d settings from ssm parameter %s: %s", len(applied), conf.ConfigSSMParam, strings.Join(applied, ","))
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               vi.AppName + "." + vi.Component,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", v.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing edge",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"production", conf.Production,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"ratelimit_window", conf.RateLimitWindow,
		"ratelimit_max", conf.RateLimitMax,
		"ratelimit_fail_open", conf.RateLimitFailOpen,
		"ratelimit_store", storeName(conf),
		"csrf_lifetime", conf.CSRFLifetime,
		"csrf_header_echo", conf.CSRFHeaderEcho,
		"sessions", conf.SessionSecret != "",
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.Tags(vi),
		OnActive:      m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure: the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:     conf.EnableTracing,
		Endpoint:    conf.OTLPEndpoint,
		Insecure:    true,
		Sample:      conf.TraceSample,
		Version:     vi,
		Environment: environment(conf),
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	var gate health.ShutdownGate
	readinessChecks := []health.Probe{gate.Probe()}

	// rate limit counters live in redis when configured so every replica
	// shares one budget, otherwise in process memory
	var store ratelimit.Store
	var redisClient *redis.Client
	if conf.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		rs := ratelimit.NewRedisStore(redisClient)
		store = rs
		readinessChecks = append(readinessChecks, health.Ping("redis", rs, time.Second))
	} else {
		ms := ratelimit.NewMemoryStore(time.Now)
		store = ms
		go ms.RunSweeper(ctx, conf.RateLimitSweepInterval, func(removed, remaining int) {
			m.AddRateLimitSwept(removed)
			m.SetRateLimitEntries(remaining)
		})
	}
	readiness := health.All(readinessChecks...)

	limiterOpts := []ratelimit.Option{
		ratelimit.WithStore(store),
		ratelimit.WithWindow(conf.RateLimitWindow, conf.RateLimitMax),
		ratelimit.WithExempt(cfg.SplitList(conf.RateLimitExempt)...),
		ratelimit.WithSweepProbability(conf.RateLimitSweepProb),
		ratelimit.WithFailOpen(conf.RateLimitFailOpen),
		ratelimit.WithLogger(L),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// log once per client and window instead of on every rejection
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "rate limit triggered", "key", key)
		}),
		ratelimit.WithOnError(func(error) { m.IncRateLimitStoreError() }),
		ratelimit.WithOnSwept(m.AddRateLimitSwept),
	}
	if conf.RateLimitTrustedProxy {
		limiterOpts = append(limiterOpts, ratelimit.WithKeyFunc(ratelimit.TrustedHopsClientID(conf.TrustedHops)))
	}
	limiter := ratelimit.New(limiterOpts...)

	guard := csrf.New(
		csrf.WithLifetime(conf.CSRFLifetime),
		csrf.WithExempt(cfg.SplitList(conf.CSRFExempt)...),
		csrf.WithSecureCookie(conf.Production),
		csrf.WithHeaderEcho(conf.CSRFHeaderEcho),
		csrf.WithLogger(L),
		csrf.WithOnRejected(m.IncCSRFRejected),
		csrf.WithOnMinted(m.IncCSRFMinted),
	)

	resolver := session.Anonymous
	if conf.SessionSecret != "" {
		jr, err := session.NewJWTResolver([]byte(conf.SessionSecret),
			session.WithCookieName(conf.SessionCookie),
			session.WithLogger(L),
		)
		if err != nil {
			L.Error(ctx, err, "failed to create session resolver")
			os.Exit(1)
		}
		resolver = jr
	} else {
		L.Warn(ctx, "no session secret configured, every visitor is treated as signed out")
	}

	policy := edge.DefaultPolicy()
	policy.RateLimitExempt = cfg.SplitList(conf.RateLimitExempt)
	policy.CSRFExempt = cfg.SplitList(conf.CSRFExempt)
	policy.ProtectedPrefixes = cfg.SplitList(conf.ProtectedPrefixes)
	policy.DashboardPath = conf.DashboardPath
	policy.SignInPath = conf.SignInPath
	policy.AuthPrefix = conf.AuthPrefix
	policy.APIPrefix = conf.APIPrefix
	policy.StaticPrefixes = cfg.SplitList(conf.StaticPrefixes)
	policy.StaticExtensions = cfg.SplitList(conf.StaticExtensions)

	router := edge.New(policy,
		edge.WithRateLimiter(limiter),
		edge.WithCSRF(guard),
		edge.WithResolver(resolver),
		edge.WithSessionTimeout(conf.SessionTimeout),
		edge.WithOnRedirect(m.IncRedirect),
		edge.WithOnSessionError(m.IncSessionError),
	)

	upstream, err := sitehttp.NewUpstream(conf.UpstreamURL,
		sitehttp.WithLogger(L),
		sitehttp.WithOnError(m.IncUpstreamError),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create upstream proxy")
		os.Exit(1)
	}

	api := edgehttp.NewAPI(guard, limiter, health.Fixed(true, ""), readiness, L)

	// keep asset and health check noise out of access logs and traces
	quiet := func(path string) bool {
		return policy.IsStatic(path) || path == "/api/health" || path == "/api/status"
	}

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Edge:         router.Middleware,
		ClientIP:     httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Security:     httpmw.SecurityOptions{HSTS: conf.Production},
		MaxBodyBytes: conf.MaxBodyBytes,
		Routes:       []httpserver.RouteRegistrar{api, sitehttp.New(upstream)},
		Quiet:        quiet,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener port")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin listener: metrics, health checks and pprof. It rejects public
	// source addresses in case the security group is ever misconfigured.
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining for 60s")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			L.Error(bg, err, "redis client close")
		}
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

func storeName(c cfg.App) string {
	if c.RedisAddr != "" {
		return "redis"
	}
	return "memory"
}

func environment(c cfg.App) string {
	if c.Production {
		return "production"
	}
	return "development"
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
