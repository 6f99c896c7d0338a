// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/resolver"
)

const (
	// maxProbeBody caps how much of a request body the probing
	// middlewares buffer before handing it on.
	maxProbeBody = 1 << 20

	// defaultRateBurst is the per-IP token bucket size when the config
	// leaves it unset.
	defaultRateBurst = 10

	// limiterEvictAfter drops per-IP buckets not seen for this long.
	limiterEvictAfter = 10 * time.Minute

	// limiterSweepEvery paces eviction scans.
	limiterSweepEvery = time.Minute
)

// descriptorKey carries the resolved bundle descriptor through the request
// context into the session registration hook.
type descriptorKey struct{}

func withDescriptor(ctx context.Context, d *resolver.Descriptor) context.Context {
	return context.WithValue(ctx, descriptorKey{}, d)
}

func descriptorFromContext(ctx context.Context) (*resolver.Descriptor, bool) {
	d, ok := ctx.Value(descriptorKey{}).(*resolver.Descriptor)
	return d, ok && d != nil
}

// recoverMiddleware converts handler panics into 500s so one bad request
// cannot take the listener down.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorf("Panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware sheds requests from clients over their per-IP rate.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			logger.Debugf("Rate limit exceeded for %s", ip)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// acceptMiddleware enforces Streamable HTTP content negotiation before a
// request reaches the protocol handler: POST, GET, and DELETE clients must
// all accept both JSON responses and event streams.
func acceptMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept")
		ok := true
		switch r.Method {
		case http.MethodPost, http.MethodGet, http.MethodDelete:
			ok = accepts(accept, "application/json") && accepts(accept, "text/event-stream")
		}
		if !ok {
			http.Error(w, "Accept must include application/json and text/event-stream", http.StatusNotAcceptable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accepts reports whether the Accept header covers mediaType, honoring the
// */* and type/* wildcards.
func accepts(header, mediaType string) bool {
	if header == "" {
		return false
	}
	typePrefix := mediaType[:strings.IndexByte(mediaType, '/')+1]
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if i := strings.IndexByte(part, ';'); i >= 0 {
			part = strings.TrimSpace(part[:i])
		}
		if part == mediaType || part == "*/*" || part == typePrefix+"*" {
			return true
		}
	}
	return false
}

// authMiddleware authenticates session-creating requests: a POST without a
// session id whose body is an initialize call. The bearer token must
// resolve to a bundle and the descriptor rides the request context into
// the registration hook. Everything else passes through; it carries a
// session id that was authenticated at creation.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get(sessionHeader) != "" {
			next.ServeHTTP(w, r)
			return
		}

		body, ok := bufferBody(w, r)
		if !ok {
			return
		}

		if gjson.GetBytes(body, "method").String() != "initialize" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		desc, err := s.resolver.Resolve(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, bundle.ErrUnauthorizedToken):
				http.Error(w, "invalid bundle token", http.StatusUnauthorized)
			case errors.Is(err, bundle.ErrBundleNotFound):
				http.Error(w, "bundle not found", http.StatusNotFound)
			default:
				logger.Errorf("Token resolution failed: %v", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(withDescriptor(r.Context(), desc)))
	})
}

// sessionCapMiddleware sheds session-creating requests once the registry is
// full. The registry's own limit is the hard backstop for creation races.
func (s *Server) sessionCapMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, creating := descriptorFromContext(r.Context()); creating {
			if s.cfg.SessionLimit > 0 && s.registry.Len() >= s.cfg.SessionLimit {
				logger.Warnf("Session limit %d reached, rejecting new session from %s", s.cfg.SessionLimit, clientIP(r))
				http.Error(w, "session limit reached", http.StatusServiceUnavailable)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// bufferBody reads the request body up to maxProbeBody and rewinds it so
// the next handler sees it intact. On failure it writes the error response
// and reports false.
func bufferBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProbeBody+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	_ = r.Body.Close()
	if len(body) > maxProbeBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true
}

// bearerToken extracts the Authorization bearer credential.
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// clientIP strips the port from the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter hands out one token bucket per client IP and evicts buckets
// idle past limiterEvictAfter.
type ipLimiter struct {
	perIP rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*ipBucket
	lastSweep time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		perIP:     rate.Limit(perSecond),
		burst:     burst,
		buckets:   make(map[string]*ipBucket),
		lastSweep: time.Now(),
	}
}

// Allow reports whether ip may proceed. A zero or negative rate disables
// limiting.
func (l *ipLimiter) Allow(ip string) bool {
	if l.perIP <= 0 {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= limiterSweepEvery {
		for key, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterEvictAfter {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.perIP, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}
