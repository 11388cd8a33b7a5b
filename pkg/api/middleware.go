package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hostpilot/warden/pkg/auth"
	"github.com/hostpilot/warden/pkg/fault"
)

// maxBodyBytes bounds request bodies. Action payloads are small; anything
// near this limit is malformed or hostile.
const maxBodyBytes = 1 << 20

// RequestID assigns or echoes the correlation ID before any handler runs,
// so every response and log line for the request can carry it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// LimitBody caps the request body size.
func LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// GlobalRateLimiter applies a per-IP token bucket at the transport edge,
// independent of the per-endpoint domain limiter. It protects the process
// from a runaway client loop before any credential checking happens.
type GlobalRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	rps   rate.Limit
	burst int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates the per-IP limiter and starts its cleanup
// loop.
func NewGlobalRateLimiter(rps, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors drops entries idle for more than three minutes.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-IP limit.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}

		if !rl.getVisitor(ip).Allow() {
			WriteFault(w, r, fault.New(fault.KindRateLimited, "too many requests").
				WithRetryAfter(time.Second))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticator validates credentials per route class. The health endpoint
// is exempt entirely; session creation needs only the agent credential;
// everything else needs both.
type Authenticator struct {
	guard *auth.Guard
}

// NewAuthenticator creates the middleware factory over the guard.
func NewAuthenticator(guard *auth.Guard) *Authenticator {
	return &Authenticator{guard: guard}
}

// AgentOnly admits requests carrying a valid agent credential.
func (a *Authenticator) AgentOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.guard.CheckAgent(r.Header.Get(auth.AgentKeyHeader)); err != nil {
			WriteFault(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticated admits requests carrying both credentials and stores the
// authorized session ID in the request context. Session validation touches
// the session, extending its sliding expiry.
func (a *Authenticator) Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := a.guard.Authorize(
			r.Header.Get(auth.AgentKeyHeader),
			r.Header.Get(auth.SessionTokenHeader),
		)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithSessionID(r.Context(), sessionID)))
	})
}
