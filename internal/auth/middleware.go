package auth

import (
	"log/slog"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/jmanhype/runestone/pkg/apierr"
)

// Request-context keys set by Middleware for downstream handlers.
const (
	CtxKeyAPIKey  = "api_key"
	CtxKeyKeyName = "api_key_name"
)

// bypassPrefixes are served without a key: probes and scrapers have no
// credential to present.
var bypassPrefixes = []string{"/health", "/metrics"}

// Middleware returns a fasthttp middleware enforcing key auth against the
// store. In open mode requests pass with an empty key identity.
func Middleware(store *Store, log *slog.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if log == nil {
		log = slog.Default()
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			path := string(ctx.Path())
			for _, p := range bypassPrefixes {
				if strings.HasPrefix(path, p) {
					next(ctx)
					return
				}
			}

			if store.Open() {
				next(ctx)
				return
			}

			token := ExtractToken(string(ctx.Request.Header.Peek("Authorization")))
			if token == "" {
				apierr.Write(ctx, fasthttp.StatusUnauthorized,
					"missing API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
				return
			}
			if !ValidFormat(token) {
				apierr.Write(ctx, fasthttp.StatusUnauthorized,
					"malformed API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
				return
			}

			info, ok := store.Lookup(token)
			if !ok {
				log.Warn("rejected API key",
					slog.String("key", Mask(token)),
					slog.String("path", path),
				)
				apierr.Write(ctx, fasthttp.StatusUnauthorized,
					"invalid API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
				return
			}
			if !info.Active {
				log.Warn("rejected deactivated API key",
					slog.String("key", Mask(token)),
					slog.String("key_id", info.ID),
					slog.String("path", path),
				)
				apierr.Write(ctx, fasthttp.StatusUnauthorized,
					"API key has been deactivated", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
				return
			}

			ctx.SetUserValue(CtxKeyAPIKey, info.Key)
			ctx.SetUserValue(CtxKeyKeyName, info.Name)
			next(ctx)
		}
	}
}

// KeyFromCtx returns the authenticated key for the request, or "" in open
// mode. Rate limiting falls back to the client IP when no key is present.
func KeyFromCtx(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue(CtxKeyAPIKey).(string); ok {
		return v
	}
	return ""
}
