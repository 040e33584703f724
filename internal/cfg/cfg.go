package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	NATSURL               string
	NATSDetectionsSubject string
	NATSAlertsSubject     string
	SlackWebhookURL       string
	SlackMinSeverity      string
	PolicyFile            string
	HousekeepingInterval  time.Duration
	IngestRate            float64
	IngestBurst           int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on every API request")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the shared breaker volume counter (empty = per-process counter)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number (0..15)")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for detection intake and alert events (empty = disabled)")
	fs.StringVar(&c.NATSDetectionsSubject, "nats-detections-subject", "warden.detections", "NATS subject detection events arrive on")
	fs.StringVar(&c.NATSAlertsSubject, "nats-alerts-subject", "warden.alerts", "NATS subject prefix alert events are published under")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.SlackMinSeverity, "slack-min-severity", string(alerting.SeverityCritical), "lowest alert severity posted to Slack")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML scoring, SLA and breaker policy (empty = built-in defaults)")
	fs.DurationVar(&c.HousekeepingInterval, "housekeeping-interval", time.Minute, "interval between hold sweeps and breaker evaluations")
	fs.Float64Var(&c.IngestRate, "ingest-rate", 200, "detection events per second accepted over HTTP (0 = unlimited)")
	fs.IntVar(&c.IngestBurst, "ingest-burst", 500, "detection events accepted in a single burst")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Operator actions are attributed, so the API is never open
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.RedisDB < 0 || c.RedisDB > 15 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be 0..15)", c.RedisDB))
	}

	if c.NATSURL != "" && (c.NATSDetectionsSubject == "" || c.NATSAlertsSubject == "") {
		errs = append(errs, errors.New("NATS_DETECTIONS_SUBJECT and NATS_ALERTS_SUBJECT are required when NATS_URL is set"))
	}

	if !alerting.Severity(c.SlackMinSeverity).Valid() {
		errs = append(errs, fmt.Errorf("invalid SLACK_MIN_SEVERITY %q (must be info, warning, critical or urgent)", c.SlackMinSeverity))
	}

	if c.HousekeepingInterval < time.Second {
		errs = append(errs, fmt.Errorf("invalid HOUSEKEEPING_INTERVAL %s (must be at least 1s)", c.HousekeepingInterval))
	}

	// Ingest limiter: rate 0 disables it, otherwise the burst must admit one event
	if c.IngestRate < 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_RATE %g (must be >= 0)", c.IngestRate))
	}
	if c.IngestRate > 0 && c.IngestBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid INGEST_BURST %d (must be >= 1)", c.IngestBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
