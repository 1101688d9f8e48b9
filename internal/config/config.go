package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App struct {
		Name string `envconfig:"APP_NAME" default:"MsingiGym"`
		Port int    `envconfig:"PORT" default:"8080"`
	}

	DB struct {
		Host     string `envconfig:"DB_HOST" default:"localhost"`
		Port     int    `envconfig:"DB_PORT" default:"5432"`
		User     string `envconfig:"DB_USER" default:"postgres"`
		Password string `envconfig:"DB_PASSWORD" default:""`
		Name     string `envconfig:"DB_NAME" default:"msingigym"`
	}

	Server struct {
		Timeout time.Duration `envconfig:"SERVER_TIMEOUT" default:"30s"`
	}

	Mpesa struct {
		BaseURL        string `envconfig:"MPESA_BASE_URL"`
		ConsumerKey    string `envconfig:"MPESA_CONSUMER_KEY"`
		ConsumerSecret string `envconfig:"MPESA_CONSUMER_SECRET"`
		ShortCode      string `envconfig:"MPESA_BUSINESS_SHORTCODE"`
		Passkey        string `envconfig:"MPESA_PASSKEY"`
		CallbackURL    string `envconfig:"MPESA_CALLBACK_URL"`
	}

	Membership struct {
		DurationDays   int   `envconfig:"MEMBERSHIP_DURATION_DAYS" default:"30"`
		StandardAmount int64 `envconfig:"DEFAULT_MEMBERSHIP_AMOUNT" default:"2000"`
		PremiumAmount  int64 `envconfig:"PREMIUM_MEMBERSHIP_AMOUNT" default:"3500"`
		VIPAmount      int64 `envconfig:"VIP_MEMBERSHIP_AMOUNT" default:"5000"`
	}

	Poll struct {
		Interval    time.Duration `envconfig:"POLL_INTERVAL" default:"20s"`
		Grace       time.Duration `envconfig:"POLL_GRACE" default:"1m"`
		MaxAttempts int           `envconfig:"POLL_MAX_ATTEMPTS" default:"6"`
	}

	Axtrax struct {
		Enabled  bool   `envconfig:"AXTRAX_ENABLED" default:"false"`
		BaseURL  string `envconfig:"AXTRAX_BASE_URL" default:"http://localhost:8080"`
		Username string `envconfig:"AXTRAX_USERNAME"`
		Password string `envconfig:"AXTRAX_PASSWORD"`
	}

	SMS struct {
		Enabled  bool   `envconfig:"SMS_ENABLED" default:"false"`
		BaseURL  string `envconfig:"SMS_BASE_URL"`
		APIKey   string `envconfig:"SMS_API_KEY"`
		SenderID string `envconfig:"SMS_SENDER_ID" default:"MSINGIGYM"`
	}

	Admin struct {
		Username  string `envconfig:"ADMIN_USERNAME" default:"admin"`
		Password  string `envconfig:"ADMIN_PASSWORD"`
		JWTSecret string `envconfig:"JWT_SECRET"`
	}
}

func (c *Config) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name)
}

// AmountFor returns the price of a membership plan in whole shillings.
func (c *Config) AmountFor(membershipType string) int64 {
	switch membershipType {
	case "premium":
		return c.Membership.PremiumAmount
	case "vip":
		return c.Membership.VIPAmount
	default:
		return c.Membership.StandardAmount
	}
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}
