// Package secrets resolves secret:// configuration references against Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	referencePrefix     = "secret://"
	defaultVersion      = "latest"
	defaultFallbackPath = ".secrets.local"
)

// ErrInvalidReference is returned for references that do not follow secret://[project/]name[@version].
var ErrInvalidReference = errors.New("secrets: invalid reference")

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (accessClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Resolver fetches secrets once and caches them for the process lifetime. When Secret Manager
// cannot be reached, values from a local dotenv-style file keyed by secret name are used.
type Resolver struct {
	client       accessClient
	project      string
	logger       *zap.Logger
	callOpts     []gax.CallOption
	fallbackPath string

	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]string

	fetches metric.Int64Counter
}

// Option customises the Resolver.
type Option func(*Resolver)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithFallbackFile overrides the local fallback file path.
func WithFallbackFile(path string) Option {
	return func(r *Resolver) { r.fallbackPath = strings.TrimSpace(path) }
}

// WithCallOptions forwards gax call options (retries, timeouts) to every access call.
func WithCallOptions(opts ...gax.CallOption) Option {
	return func(r *Resolver) { r.callOpts = append(r.callOpts, opts...) }
}

func withClient(client accessClient) Option {
	return func(r *Resolver) { r.client = client }
}

// NewResolver builds a Resolver for defaultProject. A client construction failure is not fatal;
// the resolver then serves only the fallback file.
func NewResolver(ctx context.Context, defaultProject string, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		project:      strings.TrimSpace(defaultProject),
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		cache:        map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if r.client == nil {
		client, err := newSecretManagerClient(ctx)
		if err != nil {
			r.logger.Warn("secrets: secret manager unavailable, using local fallback", zap.Error(err))
		} else {
			r.client = client
		}
	}

	counter, err := otel.GetMeterProvider().Meter("github.com/storefront/api/internal/platform/secrets").
		Int64Counter("secrets.fetch", metric.WithDescription("Secret resolutions by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register metric: %w", err)
	}
	r.fetches = counter
	return r, nil
}

// ResolveSecret implements config.SecretResolver.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	project, name, version, err := parseReference(ref, r.project)
	if err != nil {
		return "", err
	}
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)

	r.mu.Lock()
	if value, ok := r.cache[resource]; ok {
		r.mu.Unlock()
		r.record(ctx, "cache")
		return value, nil
	}
	r.mu.Unlock()

	value, err := r.fetch(ctx, resource)
	if err != nil {
		// A missing secret is a configuration error; only outages fall back to the local file.
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("secrets: %s: %w", resource, err)
		}
		fallback, ok := r.lookupFallback(name)
		if !ok {
			return "", fmt.Errorf("secrets: %s: %w", resource, err)
		}
		r.logger.Warn("secrets: using local fallback", zap.String("secret", name), zap.Error(err))
		r.record(ctx, "fallback")
		return fallback, nil
	}

	r.mu.Lock()
	r.cache[resource] = value
	r.mu.Unlock()
	r.record(ctx, "secret_manager")
	return value, nil
}

// Close releases the Secret Manager client.
func (r *Resolver) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Resolver) fetch(ctx context.Context, resource string) (string, error) {
	if r.client == nil {
		return "", status.Error(codes.Unavailable, "secret manager client not configured")
	}
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource}, r.callOpts...)
	if err != nil {
		return "", err
	}
	return string(resp.GetPayload().GetData()), nil
}

func (r *Resolver) lookupFallback(name string) (string, bool) {
	r.fallbackOnce.Do(func() {
		if r.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(r.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("secrets: unable to read fallback file", zap.String("path", r.fallbackPath), zap.Error(err))
			}
			return
		}
		r.fallback = values
	})
	value, ok := r.fallback[name]
	return value, ok
}

func (r *Resolver) record(ctx context.Context, source string) {
	if r.fetches != nil {
		r.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

func parseReference(ref, defaultProject string) (project, name, version string, err error) {
	trimmed := strings.TrimSpace(ref)
	if strings.HasPrefix(trimmed, "sm://") {
		trimmed = referencePrefix + strings.TrimPrefix(trimmed, "sm://")
	}
	if !strings.HasPrefix(trimmed, referencePrefix) {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	body := strings.TrimPrefix(trimmed, referencePrefix)

	version = defaultVersion
	if at := strings.LastIndex(body, "@"); at >= 0 {
		version = body[at+1:]
		body = body[:at]
	}

	project = defaultProject
	name = body
	if before, after, found := strings.Cut(body, "/"); found {
		project, name = before, after
	}
	if project == "" || name == "" || version == "" || strings.Contains(name, "/") {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	return project, name, version, nil
}
