// Package startup runs pre-flight diagnostics for the risk pipeline services.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"secureops/internal/config"
	"secureops/internal/model"
	"secureops/internal/providers"
	"secureops/internal/rules"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// DialFunc opens a network connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg         *config.Config
	results     []DiagnosticResult
	logger      *slog.Logger
	dial        DialFunc
	dialTimeout time.Duration
	checkListen bool
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	var d net.Dialer
	return &Diagnostics{
		cfg:         cfg,
		logger:      logger,
		dial:        d.DialContext,
		dialTimeout: 5 * time.Second,
		checkListen: true,
	}
}

// WithoutPortCheck disables the HTTP port availability check. Used by
// commands that do not serve HTTP.
func (d *Diagnostics) WithoutPortCheck() *Diagnostics {
	d.checkListen = false
	return d
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkScoringTables()
	d.checkProviders()

	if d.checkListen {
		d.checkPorts()
	}

	d.checkSecurityConfiguration()
	d.checkModules()
	d.checkDependencies(ctx)

	d.printSummary()

	return d.results
}

// Results returns the results collected so far.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       strconv.Itoa(runtime.NumCPU()),
		},
	})

	if runtime.NumCPU() < d.cfg.Pipeline.Concurrency {
		d.addResult(DiagnosticResult{
			Name:    "concurrency",
			Status:  StatusWarning,
			Message: "Pipeline concurrency exceeds available CPUs",
			Details: map[string]string{
				"concurrency": strconv.Itoa(d.cfg.Pipeline.Concurrency),
				"cpus":        strconv.Itoa(runtime.NumCPU()),
			},
		})
	}
}

func (d *Diagnostics) checkConfiguration() {
	path := os.Getenv("SECUREOPS_CONFIG_PATH")
	if path == "" {
		path = config.DefaultConfigPath
	}

	if fileExists(path) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Configuration file found",
			Details: map[string]string{"path": path},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Configuration file not found, using defaults and environment",
			Details: map[string]string{"path": path},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: err.Error(),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
		Details: map[string]string{
			"ingest_mode":   d.cfg.Ingest.Mode,
			"provider_mode": d.cfg.Providers.Mode,
			"timezone":      d.cfg.Pipeline.Timezone,
		},
	})
}

func (d *Diagnostics) checkScoringTables() {
	var (
		rs  *rules.RuleSet
		err error
	)
	source := "embedded"
	if p := d.cfg.Pipeline.RulesPath; p != "" {
		source = p
		rs, err = rules.LoadRuleSet(p)
	} else {
		rs, err = rules.DefaultRuleSet()
	}
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "rule_table",
			Status:  StatusError,
			Message: err.Error(),
			Details: map[string]string{"source": source},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rule_table",
			Status:  StatusOK,
			Message: "Rule table loaded",
			Details: map[string]string{
				"source":  source,
				"version": rs.Version,
				"rules":   strconv.Itoa(len(rs.Rules)),
			},
		})
	}

	var wt *model.WeightTable
	source = "embedded"
	if p := d.cfg.Pipeline.WeightsPath; p != "" {
		source = p
		wt, err = model.LoadWeightTable(p)
	} else {
		wt, err = model.DefaultWeightTable()
	}
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "weight_table",
			Status:  StatusError,
			Message: err.Error(),
			Details: map[string]string{"source": source},
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "weight_table",
		Status:  StatusOK,
		Message: "Weight table loaded",
		Details: map[string]string{
			"source":  source,
			"version": wt.Version,
			"weights": strconv.Itoa(len(wt.Weights)),
		},
	})
}

func (d *Diagnostics) checkProviders() {
	p := d.cfg.Providers
	switch p.Mode {
	case config.ProviderModeIndicators:
		feed, err := providers.LoadIndicatorFeed(p.IndicatorFeedPath)
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    "indicator_feed",
				Status:  StatusError,
				Message: err.Error(),
				Details: map[string]string{"path": p.IndicatorFeedPath},
			})
			return
		}
		d.addResult(DiagnosticResult{
			Name:    "indicator_feed",
			Status:  StatusOK,
			Message: "Indicator feed loaded",
			Details: map[string]string{
				"path":       p.IndicatorFeedPath,
				"indicators": strconv.Itoa(len(feed.Indicators)),
			},
		})
	case config.ProviderModeHTTP:
		for _, ep := range []struct {
			name string
			url  string
		}{
			{"threat_intel", p.ThreatIntel.URL},
			{"geo", p.Geo.URL},
			{"asset", p.Asset.URL},
		} {
			if ep.url == "" {
				d.addResult(DiagnosticResult{
					Name:    "provider_" + ep.name,
					Status:  StatusWarning,
					Message: "No URL configured, lookups will use fallback values",
				})
				continue
			}
			d.addResult(DiagnosticResult{
				Name:    "provider_" + ep.name,
				Status:  StatusOK,
				Message: "HTTP provider configured",
				Details: map[string]string{"url": ep.url},
			})
		}
	default:
		d.addResult(DiagnosticResult{
			Name:    "providers",
			Status:  StatusOK,
			Message: "Static providers in use",
		})
	}
}

func (d *Diagnostics) checkPorts() {
	addr := fmt.Sprintf(":%d", d.cfg.Server.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusError,
			Message: fmt.Sprintf("HTTP port unavailable: %s", err),
			Details: map[string]string{"port": strconv.Itoa(d.cfg.Server.HTTPPort)},
		})
		return
	}
	ln.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_http",
		Status:  StatusOK,
		Message: "HTTP port available",
		Details: map[string]string{"port": strconv.Itoa(d.cfg.Server.HTTPPort)},
	})
}

func (d *Diagnostics) checkSecurityConfiguration() {
	if !d.cfg.Auth.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "authentication",
			Status:  StatusWarning,
			Message: "API key authentication is DISABLED",
			Details: map[string]string{"recommendation": "Enable auth for production deployments"},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "authentication",
			Status:  StatusOK,
			Message: "API key authentication is enabled",
			Details: map[string]string{"keys": strconv.Itoa(len(d.cfg.Auth.APIKeys))},
		})
	}

	if !d.cfg.Ingest.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusWarning,
			Message: "Rate limiting is DISABLED",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "Rate limiting is enabled",
			Details: map[string]string{
				"requests_per_ip": strconv.Itoa(d.cfg.Ingest.RateLimit.RequestsPerIP),
				"window":          d.cfg.Ingest.RateLimit.Window.String(),
			},
		})
	}

	if d.cfg.Ingest.TrustForwardedFor {
		d.addResult(DiagnosticResult{
			Name:    "forwarded_for",
			Status:  StatusWarning,
			Message: "X-Forwarded-For is trusted for source IPs",
			Details: map[string]string{"recommendation": "Only enable behind a trusted proxy"},
		})
	}

	if d.cfg.Ingest.Mode == config.IngestModeKafka && d.cfg.Kafka.TLSSkipVerify {
		d.addResult(DiagnosticResult{
			Name:    "kafka_tls",
			Status:  StatusWarning,
			Message: "Kafka TLS certificate verification is disabled",
		})
	}
}

func (d *Diagnostics) checkModules() {
	modules := []struct {
		name    string
		enabled bool
	}{
		{"Kafka Transport", d.cfg.Ingest.Mode == config.IngestModeKafka},
		{"ClickHouse Storage", d.cfg.Storage.Enabled},
		{"S3 Archive", d.cfg.Archive.Enabled},
		{"Enrichment Cache", d.cfg.Providers.Cache.Enabled},
		{"Authentication", d.cfg.Auth.Enabled},
		{"Rate Limiting", d.cfg.Ingest.RateLimit.Enabled},
	}

	enabledCount := 0
	for _, m := range modules {
		status := StatusSkipped
		message := "Disabled"
		if m.enabled {
			status = StatusOK
			message = "Enabled"
			enabledCount++
		}
		d.addResult(DiagnosticResult{
			Name:    fmt.Sprintf("module_%s", m.name),
			Status:  status,
			Message: message,
		})
	}

	d.logger.Info("modules summary", "enabled", enabledCount, "total", len(modules))
}

func (d *Diagnostics) checkDependencies(ctx context.Context) {
	if d.cfg.Storage.Enabled {
		d.checkReachable(ctx, "clickhouse", d.cfg.Storage.ClickHouse.Hosts, StatusError)
	} else {
		d.addResult(DiagnosticResult{
			Name:    "storage",
			Status:  StatusWarning,
			Message: "Storage is DISABLED, scored events will only be logged",
		})
	}

	if d.cfg.Ingest.Mode == config.IngestModeKafka {
		d.checkReachable(ctx, "kafka", d.cfg.Kafka.Brokers, StatusError)
	}

	// A cache outage degrades to direct lookups, so it only warns.
	if d.cfg.Providers.Cache.Enabled && d.cfg.Providers.Cache.Backend == config.CacheBackendRedis {
		d.checkReachable(ctx, "redis", []string{d.cfg.Redis.Addr}, StatusWarning)
	}
}

// checkReachable dials each address and records one result per dependency.
// failStatus is used when no address answers.
func (d *Diagnostics) checkReachable(ctx context.Context, name string, addrs []string, failStatus Status) {
	if len(addrs) == 0 {
		d.addResult(DiagnosticResult{
			Name:    name + "_connectivity",
			Status:  failStatus,
			Message: "No addresses configured",
		})
		return
	}

	var reachable, unreachable []string
	var lastErr error
	for _, addr := range addrs {
		dctx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		conn, err := d.dial(dctx, "tcp", addr)
		cancel()
		if err != nil {
			unreachable = append(unreachable, addr)
			lastErr = err
			continue
		}
		conn.Close()
		reachable = append(reachable, addr)
	}

	details := map[string]string{
		"reachable":   strconv.Itoa(len(reachable)),
		"unreachable": strconv.Itoa(len(unreachable)),
	}
	switch {
	case len(reachable) == 0:
		d.addResult(DiagnosticResult{
			Name:    name + "_connectivity",
			Status:  failStatus,
			Message: fmt.Sprintf("Cannot connect to %s: %s", name, lastErr),
			Details: details,
		})
	case len(unreachable) > 0:
		d.addResult(DiagnosticResult{
			Name:    name + "_connectivity",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Some %s addresses are unreachable", name),
			Details: details,
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    name + "_connectivity",
			Status:  StatusOK,
			Message: fmt.Sprintf("%s is reachable", name),
			Details: details,
		})
	}
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors - service may not function correctly")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// PrintBanner prints the startup banner
func PrintBanner(service, version string) {
	fmt.Printf("\n  secureops %s\n  risk enrichment and scoring pipeline\n  version: %s\n\n", service, version)
}
