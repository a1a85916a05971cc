package config

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"clinicmsg/internal/jobs"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPAddr             string   `envconfig:"HTTP_ADDR" default:":8080"`
	DatabaseURL          string   `envconfig:"DATABASE_URL" validate:"required"`
	LogLevel             string   `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	LogPretty            bool     `envconfig:"LOG_PRETTY" default:"false"`
	CORSAllowedOrigins   []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool     `envconfig:"CORS_ALLOW_CREDENTIALS" default:"false"`

	JWTSecret string `envconfig:"JWT_SECRET" validate:"required,min=16"`

	WhatsAppAPIURL        string        `envconfig:"WHATSAPP_API_URL" default:"https://graph.facebook.com/v20.0" validate:"url"`
	WhatsAppPhoneNumberID string        `envconfig:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppAccessToken   string        `envconfig:"WHATSAPP_ACCESS_TOKEN"`
	WhatsAppAppSecret     string        `envconfig:"WHATSAPP_APP_SECRET"`
	WhatsAppVerifyToken   string        `envconfig:"WHATSAPP_VERIFY_TOKEN"`
	WhatsAppTimeout       time.Duration `envconfig:"WHATSAPP_TIMEOUT" default:"10s"`

	ContentServiceURL string `envconfig:"CONTENT_SERVICE_URL" validate:"omitempty,url"`
	ClinicName        string `envconfig:"CLINIC_NAME" default:"la clínica"`
	ClinicTimezone    string `envconfig:"CLINIC_TIMEZONE" default:"UTC" validate:"timezone"`

	ConfirmationDelay    time.Duration `envconfig:"CONFIRMATION_DELAY" default:"0s"`
	Reminder24hLead      time.Duration `envconfig:"REMINDER_24H_LEAD" default:"24h"`
	Reminder1hLead       time.Duration `envconfig:"REMINDER_1H_LEAD" default:"1h"`
	NoShowAfter          time.Duration `envconfig:"NO_SHOW_AFTER" default:"2h"`
	FollowUpInitialAfter time.Duration `envconfig:"FOLLOWUP_INITIAL_AFTER" default:"96h"`
	FollowUpPreBefore    time.Duration `envconfig:"FOLLOWUP_PRE_BEFORE" default:"192h"`
	RebookingBefore      time.Duration `envconfig:"REBOOKING_BEFORE" default:"96h"`
	FollowUpMinPeriod    time.Duration `envconfig:"FOLLOWUP_MIN_PERIOD" default:"240h"`
	RebookingMatchWindow time.Duration `envconfig:"REBOOKING_MATCH_WINDOW" default:"168h"`

	WorkerID           string        `envconfig:"WORKER_ID"`
	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"4" validate:"min=1,max=16"`
	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"1s"`
	JobMaxAttempts     int           `envconfig:"JOB_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	JobBackoffBase     time.Duration `envconfig:"JOB_BACKOFF_BASE" default:"30s" validate:"gt=0"`
	JobBackoffCap      time.Duration `envconfig:"JOB_BACKOFF_CAP" default:"30m" validate:"gtefield=JobBackoffBase"`
	JobStallThreshold  time.Duration `envconfig:"JOB_STALL_THRESHOLD" default:"5m"`
	CompletedRetention time.Duration `envconfig:"COMPLETED_RETENTION" default:"1h"`
	FailedRetention    time.Duration `envconfig:"FAILED_RETENTION" default:"168h"`
	PruneInterval      time.Duration `envconfig:"PRUNE_INTERVAL" default:"10m"`

	DeliveryReconcileWindow time.Duration `envconfig:"DELIVERY_RECONCILE_WINDOW" default:"10m" validate:"gt=0"`
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) Rules() jobs.Rules {
	return jobs.Rules{
		ConfirmationDelay: c.ConfirmationDelay,
		Reminder24hLead:   c.Reminder24hLead,
		Reminder1hLead:    c.Reminder1hLead,
		NoShowAfter:       c.NoShowAfter,
		FollowUp: jobs.FollowUpRules{
			InitialAfter:    c.FollowUpInitialAfter,
			PreBefore:       c.FollowUpPreBefore,
			RebookingBefore: c.RebookingBefore,
			MinPeriod:       c.FollowUpMinPeriod,
		},
		RebookingMatchWindow: c.RebookingMatchWindow,
	}
}

func (c Config) RetryPolicy() jobs.RetryPolicy {
	return jobs.RetryPolicy{
		MaxAttempts: c.JobMaxAttempts,
		BaseDelay:   c.JobBackoffBase,
		MaxDelay:    c.JobBackoffCap,
	}
}

func (c Config) Pool() jobs.PoolConfig {
	p := jobs.DefaultPoolConfig()
	if c.WorkerID != "" {
		p.WorkerID = c.WorkerID
	}
	p.Concurrency = c.WorkerConcurrency
	p.PollInterval = c.WorkerPollInterval
	p.StallThreshold = c.JobStallThreshold
	p.CompletedRetention = c.CompletedRetention
	p.FailedRetention = c.FailedRetention
	p.PruneInterval = c.PruneInterval
	return p
}

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
