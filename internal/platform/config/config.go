package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile            = ".env"
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultRequestTimeout     = 10 * time.Second
	defaultReplayWindow       = 24 * time.Hour
	defaultAuthProvider       = AuthProviderJWT
	defaultJWTIssuer          = "storefront-api"
	defaultAccessTokenTTL     = 15 * time.Minute
	defaultRefreshTokenTTL    = 30 * 24 * time.Hour
	defaultProductCacheTTL    = 5 * time.Minute
	defaultCurrency           = "inr"
	defaultNotifyDriver       = NotifyDriverNone
	defaultNotifyTimeout      = 10 * time.Second
	defaultSMTPPort           = 587
	defaultNotifyLocale       = "en-IN"
	defaultRetailShipping     = "50"
	defaultRetailTaxPercent   = "18"
	defaultScreenshotMaxBytes = 5 << 20
)

// Supported bearer token verifiers.
const (
	AuthProviderJWT      = "jwt"
	AuthProviderFirebase = "firebase"
)

// Supported order notification drivers.
const (
	NotifyDriverNone   = "none"
	NotifyDriverSMTP   = "smtp"
	NotifyDriverPubSub = "pubsub"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Auth          AuthConfig
	Firestore     FirestoreConfig
	Redis         RedisConfig
	Payments      PaymentsConfig
	Notifications NotificationConfig
	Storage       StorageConfig
	Pricing       PricingConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	// ReplayWindow is how long Idempotency-Key responses are kept for replay.
	ReplayWindow time.Duration
}

// AuthConfig selects and configures the bearer token verifier and token issuance.
type AuthConfig struct {
	Provider                string
	JWTSecret               string
	JWTIssuer               string
	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	FirebaseProjectID       string
	FirebaseCredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RedisConfig configures the optional product catalog cache. An empty Addr disables it.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	ProductCacheTTL time.Duration
}

// PaymentsConfig collects payment gateway credentials.
type PaymentsConfig struct {
	GatewaySecret       string
	StripeAPIKey        string
	StripeWebhookSecret string
	Currency            string
}

// NotificationConfig selects how order notifications are delivered.
type NotificationConfig struct {
	Driver       string
	Timeout      time.Duration
	PubSubTopic  string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	From         string
	Locale       string
}

// StorageConfig names the bucket receiving payment screenshots.
type StorageConfig struct {
	ScreenshotBucket   string
	ScreenshotMaxBytes int64
}

// PricingConfig holds the retail tier constants.
type PricingConfig struct {
	RetailShipping   decimal.Decimal
	RetailTaxPercent decimal.Decimal
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the application configuration from defaults, the .env file, the process
// environment and explicit overrides, resolving secret references last.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	var invalid []string
	decimalField := func(key, fallback, field string) decimal.Decimal {
		raw := stringWithDefault(lookup, key, fallback)
		value, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || value.IsNegative() {
			invalid = append(invalid, field)
			return decimal.RequireFromString(fallback)
		}
		return value
	}

	cfg := Config{
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:    durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			ReplayWindow:   durationWithDefault(lookup, "API_SERVER_REPLAY_WINDOW", defaultReplayWindow),
		},
		Auth: AuthConfig{
			Provider:                strings.ToLower(stringWithDefault(lookup, "API_AUTH_PROVIDER", defaultAuthProvider)),
			JWTSecret:               stringWithDefault(lookup, "API_AUTH_JWT_SECRET", ""),
			JWTIssuer:               stringWithDefault(lookup, "API_AUTH_JWT_ISSUER", defaultJWTIssuer),
			AccessTokenTTL:          durationWithDefault(lookup, "API_AUTH_ACCESS_TOKEN_TTL", defaultAccessTokenTTL),
			RefreshTokenTTL:         durationWithDefault(lookup, "API_AUTH_REFRESH_TOKEN_TTL", defaultRefreshTokenTTL),
			FirebaseProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			FirebaseCredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:            stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password:        stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:              intWithDefault(lookup, "API_REDIS_DB", 0),
			ProductCacheTTL: durationWithDefault(lookup, "API_REDIS_PRODUCT_CACHE_TTL", defaultProductCacheTTL),
		},
		Payments: PaymentsConfig{
			GatewaySecret:       stringWithDefault(lookup, "API_PAYMENTS_GATEWAY_SECRET", ""),
			StripeAPIKey:        stringWithDefault(lookup, "API_PAYMENTS_STRIPE_API_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "API_PAYMENTS_STRIPE_WEBHOOK_SECRET", ""),
			Currency:            strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_CURRENCY", defaultCurrency)),
		},
		Notifications: NotificationConfig{
			Driver:       strings.ToLower(stringWithDefault(lookup, "API_NOTIFY_DRIVER", defaultNotifyDriver)),
			Timeout:      durationWithDefault(lookup, "API_NOTIFY_TIMEOUT", defaultNotifyTimeout),
			PubSubTopic:  stringWithDefault(lookup, "API_NOTIFY_PUBSUB_TOPIC", ""),
			SMTPHost:     stringWithDefault(lookup, "API_NOTIFY_SMTP_HOST", ""),
			SMTPPort:     intWithDefault(lookup, "API_NOTIFY_SMTP_PORT", defaultSMTPPort),
			SMTPUsername: stringWithDefault(lookup, "API_NOTIFY_SMTP_USERNAME", ""),
			SMTPPassword: stringWithDefault(lookup, "API_NOTIFY_SMTP_PASSWORD", ""),
			From:         stringWithDefault(lookup, "API_NOTIFY_FROM", ""),
			Locale:       stringWithDefault(lookup, "API_NOTIFY_LOCALE", defaultNotifyLocale),
		},
		Storage: StorageConfig{
			ScreenshotBucket:   stringWithDefault(lookup, "API_STORAGE_SCREENSHOT_BUCKET", ""),
			ScreenshotMaxBytes: int64(intWithDefault(lookup, "API_STORAGE_SCREENSHOT_MAX_BYTES", defaultScreenshotMaxBytes)),
		},
		Pricing: PricingConfig{
			RetailShipping:   decimalField("API_PRICING_RETAIL_SHIPPING", defaultRetailShipping, "Pricing.RetailShipping"),
			RetailTaxPercent: decimalField("API_PRICING_RETAIL_TAX_PERCENT", defaultRetailTaxPercent, "Pricing.RetailTaxPercent"),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Auth.FirebaseProjectID
	}

	secretFields := []*string{
		&cfg.Auth.JWTSecret,
		&cfg.Payments.GatewaySecret,
		&cfg.Payments.StripeAPIKey,
		&cfg.Payments.StripeWebhookSecret,
		&cfg.Notifications.SMTPPassword,
		&cfg.Redis.Password,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HasSecretReferences reports whether any value visible to Load points at an external secret.
// Callers use it to decide whether a Secret Manager client is needed before loading.
func HasSecretReferences(opts ...Option) (bool, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return false, err
	}
	check := func(value string) bool { return isSecretReference(value) }
	for _, value := range values {
		if check(value) {
			return true, nil
		}
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			if _, value, ok := strings.Cut(entry, "="); ok && check(value) {
				return true, nil
			}
		}
	}
	for _, value := range options.envMap {
		if check(value) {
			return true, nil
		}
	}
	return false, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Server.RequestTimeout <= 0 {
		missing = append(missing, "Server.RequestTimeout")
	}
	if cfg.Server.ReplayWindow <= 0 {
		missing = append(missing, "Server.ReplayWindow")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if strings.TrimSpace(cfg.Payments.GatewaySecret) == "" {
		missing = append(missing, "Payments.GatewaySecret")
	}

	// Refresh-token rotation mints HS256 access tokens regardless of the verifier.
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		missing = append(missing, "Auth.JWTSecret")
	}
	switch cfg.Auth.Provider {
	case AuthProviderJWT:
	case AuthProviderFirebase:
		if cfg.Auth.FirebaseProjectID == "" {
			missing = append(missing, "Auth.FirebaseProjectID")
		}
	default:
		missing = append(missing, "Auth.Provider")
	}

	switch cfg.Notifications.Driver {
	case NotifyDriverNone:
	case NotifyDriverPubSub:
		if cfg.Notifications.PubSubTopic == "" {
			missing = append(missing, "Notifications.PubSubTopic")
		}
	case NotifyDriverSMTP:
		if cfg.Notifications.SMTPHost == "" {
			missing = append(missing, "Notifications.SMTPHost")
		}
		if cfg.Notifications.From == "" {
			missing = append(missing, "Notifications.From")
		}
	default:
		missing = append(missing, "Notifications.Driver")
	}

	if cfg.Storage.ScreenshotMaxBytes <= 0 {
		missing = append(missing, "Storage.ScreenshotMaxBytes")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}
