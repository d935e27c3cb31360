package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
)

const (
	// HeaderKey carries the client-chosen token.
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed marks responses served from the store.
	HeaderReplayed = "X-Idempotent-Replay"

	maxTokenLength     = 128
	maxFingerprintBody = 1 << 20
	maxSavedBody       = 256 << 10
)

// Logger receives store failures that do not change the response.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Option configures a Replayer.
type Option func(*Replayer)

// WithLogger reports store failures to logger.
func WithLogger(logger Logger) Option {
	return func(rp *Replayer) {
		rp.logger = logger
	}
}

// RequireKey rejects guarded requests that arrive without a token.
func RequireKey() Option {
	return func(rp *Replayer) {
		rp.requireKey = true
	}
}

// Replayer makes POST handlers safe to retry. The first response for a token is stored and served
// again for repeats of the same request from the same caller.
type Replayer struct {
	store      Store
	logger     Logger
	requireKey bool
}

// NewReplayer builds a Replayer over store. A nil store disables replay.
func NewReplayer(store Store, opts ...Option) *Replayer {
	rp := &Replayer{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(rp)
		}
	}
	if rp.logger == nil {
		rp.logger = func(context.Context, string, map[string]any) {}
	}
	return rp
}

// Middleware guards next. Requests other than POST pass straight through.
func (rp *Replayer) Middleware(next http.Handler) http.Handler {
	if rp == nil || rp.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		token := strings.TrimSpace(r.Header.Get(HeaderKey))
		switch {
		case token == "" && rp.requireKey:
			httpx.WriteError(ctx, w, httpx.BadRequest("Missing "+HeaderKey+" header"))
			return
		case token == "":
			next.ServeHTTP(w, r)
			return
		case len(token) > maxTokenLength:
			httpx.WriteError(ctx, w, httpx.BadRequest(HeaderKey+" is too long"))
			return
		}

		fingerprint, err := fingerprintRequest(r)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.BadRequest("Unable to read request body"))
			return
		}
		key := Key{Owner: requester(ctx), Route: r.URL.Path, Token: token}

		claim, err := rp.store.Claim(ctx, key, fingerprint)
		switch {
		case errors.Is(err, ErrFingerprintMismatch):
			httpx.WriteError(ctx, w, httpx.Conflict("Idempotency key already used for a different request"))
			return
		case err != nil:
			rp.logger(ctx, "idempotency.claim_failed", map[string]any{"route": key.Route, "error": err.Error()})
			httpx.WriteError(ctx, w, httpx.Unavailable("Idempotency store is unavailable"))
			return
		}
		switch claim.State {
		case ClaimReplay:
			replay(w, claim.Saved)
			return
		case ClaimBusy:
			httpx.WriteError(ctx, w, httpx.Conflict("A request with this idempotency key is in progress"))
			return
		}

		// Store writes outlive a client that hangs up after the handler returns.
		storeCtx := context.WithoutCancel(ctx)
		tee := &teeWriter{ResponseWriter: w}
		finished := false
		defer func() {
			if !finished {
				rp.abandon(storeCtx, key, fingerprint)
			}
		}()
		next.ServeHTTP(tee, r)
		finished = true

		saved, ok := tee.saved()
		if !ok {
			rp.abandon(storeCtx, key, fingerprint)
			return
		}
		if err := rp.store.Complete(storeCtx, key, fingerprint, saved); err != nil {
			rp.logger(ctx, "idempotency.complete_failed", map[string]any{"route": key.Route, "owner": key.Owner, "error": err.Error()})
			rp.abandon(storeCtx, key, fingerprint)
		}
	})
}

func (rp *Replayer) abandon(ctx context.Context, key Key, fingerprint string) {
	if err := rp.store.Abandon(ctx, key, fingerprint); err != nil {
		rp.logger(ctx, "idempotency.abandon_failed", map[string]any{"route": key.Route, "error": err.Error()})
	}
}

// fingerprintRequest hashes what makes two attempts the same request. Multipart uploads are
// identified by media type and length so the file is never buffered here.
func fingerprintRequest(r *http.Request) (string, error) {
	h := sha256.New()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	fmt.Fprintf(h, "%s %s?%s\n%s\n", r.Method, r.URL.Path, r.URL.RawQuery, mediaType)

	if strings.HasPrefix(mediaType, "multipart/") {
		fmt.Fprintf(h, "length=%d", r.ContentLength)
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, maxFingerprintBody))
	if err != nil {
		return "", err
	}
	h.Write(head)
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func requester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

func replay(w http.ResponseWriter, saved Saved) {
	header := w.Header()
	if saved.ContentType != "" {
		header.Set("Content-Type", saved.ContentType)
	}
	if saved.Location != "" {
		header.Set("Location", saved.Location)
	}
	header.Set(HeaderReplayed, "true")
	status := saved.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(saved.Body)
}

// teeWriter passes the response through while keeping a copy small enough to store.
type teeWriter struct {
	http.ResponseWriter
	status   int
	header   http.Header
	body     bytes.Buffer
	overflow bool
}

func (t *teeWriter) WriteHeader(status int) {
	if t.status != 0 {
		return
	}
	t.status = status
	t.header = t.ResponseWriter.Header().Clone()
	t.ResponseWriter.WriteHeader(status)
}

func (t *teeWriter) Write(p []byte) (int, error) {
	if t.status == 0 {
		t.WriteHeader(http.StatusOK)
	}
	if !t.overflow {
		if t.body.Len()+len(p) > maxSavedBody {
			t.overflow = true
			t.body.Reset()
		} else {
			t.body.Write(p)
		}
	}
	return t.ResponseWriter.Write(p)
}

// saved reports the response to keep. Server errors and oversized bodies are not kept so the
// client can retry with the same token.
func (t *teeWriter) saved() (Saved, bool) {
	status := t.status
	if status == 0 {
		status = http.StatusOK
	}
	if status >= http.StatusInternalServerError || t.overflow {
		return Saved{}, false
	}
	saved := Saved{Status: status}
	if t.header != nil {
		saved.ContentType = t.header.Get("Content-Type")
		saved.Location = t.header.Get("Location")
	}
	if t.body.Len() > 0 {
		saved.Body = bytes.Clone(t.body.Bytes())
	}
	return saved, true
}
