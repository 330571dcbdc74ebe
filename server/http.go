/******************************************************************************
 *
 *  Description :
 *
 *    HTTP plumbing: router, middleware chain, websocket upgrade endpoint.
 *
 *****************************************************************************/

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	t "github.com/onionchat/onionchat/server/store/types"
)

const requestTimeout = 30 * time.Second

type ctxKey int

const (
	ctxTraceID ctxKey = iota
)

// traceID returns the request's trace id, assigned by the trace middleware.
func traceID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxTraceID).(string); ok {
		return id
	}
	return ""
}

// traceMiddleware tags every request with a random trace id.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 8)
		rand.Read(buf)
		ctx := context.WithValue(r.Context(), ctxTraceID, hex.EncodeToString(buf))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the websocket upgrade working through the wrapper.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(fmt.Sprintf("%dxx", rec.status/100)).Inc()
	})
}

// ipLimiter hands out one token bucket per client address.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	return &ipLimiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *ipLimiter) get(addr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[host]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.buckets[host] = lim
	}
	return lim
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.get(r.RemoteAddr).Allow() {
			writeError(w, r, &AppError{Kind: KindBadRequest, Details: "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withUser wraps a handler with the authentication predicate.
func withUser(handler func(w http.ResponseWriter, r *http.Request, user *t.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, aerr := requireAuthenticated(r)
		if aerr != nil {
			writeError(w, r, aerr)
			return
		}
		handler(w, r, user)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS layer; the upgrade
	// endpoint accepts the configured origins too.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(globals.config.AllowedOrigins) == 0 {
			return true
		}
		for _, allowed := range globals.config.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	},
}

// serveWebSocket upgrades the connection and starts a session.
func serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("ws: upgrade failed")
		return
	}

	s := globals.sessionStore.Create(ws, r.RemoteAddr)
	s.queueOut(encodeOpen(s.sid))

	go s.writeLoop()
	go s.readLoop()
}

// newMux wires every route and the middleware chain.
func newMux() http.Handler {
	mux := http.NewServeMux()

	// Health and operational endpoints.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/tor-status", handleTorStatus)

	// Event transport.
	mux.HandleFunc("/socket.io/", serveWebSocket)

	// Auth.
	mux.HandleFunc("POST /api/auth/register", handleRegister)
	mux.HandleFunc("POST /api/auth/login", handleLogin)
	mux.HandleFunc("POST /api/auth/logout", withUser(handleLogout))
	mux.HandleFunc("GET /api/auth/me", withUser(handleMe))
	mux.HandleFunc("GET /api/auth/users", withUser(handleListUsers))

	// Rooms.
	mux.HandleFunc("GET /api/rooms", withUser(handleListRooms))
	mux.HandleFunc("POST /api/rooms", withUser(handleCreateRoom))
	mux.HandleFunc("GET /api/rooms/{id}", withUser(handleGetRoom))
	mux.HandleFunc("DELETE /api/rooms/{id}", withUser(handleDeleteRoom))
	mux.HandleFunc("POST /api/rooms/{id}/join", withUser(handleJoinRoom))
	mux.HandleFunc("POST /api/rooms/{id}/leave", withUser(handleLeaveRoom))
	mux.HandleFunc("GET /api/rooms/{id}/messages", withUser(handleGetMessages))
	mux.HandleFunc("GET /api/rooms/{id}/search", withUser(handleSearchMessages))
	mux.HandleFunc("GET /api/rooms/{id}/members", withUser(handleGetMembers))
	mux.HandleFunc("POST /api/rooms/{id}/members", withUser(handleAddMember))
	mux.HandleFunc("DELETE /api/rooms/{id}/members/{uid}", withUser(handleRemoveMember))

	// Upload and static serving of uploaded files.
	mux.HandleFunc("POST /api/upload", withUser(handleUpload))
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(globals.config.UploadDir))))

	// Link preview.
	mux.HandleFunc("GET /api/link-preview", withUser(handleLinkPreview))

	// Admin.
	mux.HandleFunc("GET /api/admin/users", withUser(handleAdminListUsers))
	mux.HandleFunc("POST /api/admin/users/{id}/promote", withUser(handleAdminPromote))
	mux.HandleFunc("POST /api/admin/users/{id}/demote", withUser(handleAdminDemote))
	mux.HandleFunc("POST /api/admin/users/{id}/ban", withUser(handleAdminBan))
	mux.HandleFunc("POST /api/admin/users/{id}/unban", withUser(handleAdminUnban))
	mux.HandleFunc("DELETE /api/admin/users/{id}", withUser(handleAdminDeleteUser))
	mux.HandleFunc("GET /api/admin/rooms", withUser(handleAdminListRooms))
	mux.HandleFunc("DELETE /api/admin/rooms/{id}", withUser(handleAdminDeleteRoom))
	mux.HandleFunc("GET /api/admin/stats", withUser(handleAdminStats))

	// Middleware chain, outermost first: trace id, metrics, CORS,
	// rate limit, body cap.
	corsOpts := []handlers.CORSOption{
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	}
	if len(globals.config.AllowedOrigins) > 0 {
		corsOpts = append(corsOpts, handlers.AllowedOrigins(globals.config.AllowedOrigins))
	} else {
		corsOpts = append(corsOpts, handlers.AllowedOrigins([]string{"*"}))
	}

	limiter := newIPLimiter(globals.config.RateLimitPerSecond, globals.config.RateLimitBurstSize)

	var h http.Handler = mux
	h = bodyLimit(h, globals.config.MaxFileSize)
	h = limiter.middleware(h)
	h = handlers.CORS(corsOpts...)(h)
	h = metricsMiddleware(h)
	h = traceMiddleware(h)
	return h
}

// bodyLimit caps request bodies at the configured maximum. Every request
// with a body is wrapped, the websocket upgrade included.
func bodyLimit(next http.Handler, limit int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
