package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/adfharrison1/go-syncdb/pkg/auth"
	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/metrics"
	"github.com/adfharrison1/go-syncdb/pkg/session"
)

// Registry terminates websocket connections, binds each to its tenant's Session
// and relays the Session's events to the tenant's other connections.
type Registry struct {
	router   *mux.Router
	backend  domain.Backend
	verifier *auth.Verifier
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	sessionOptions []session.Option
	sendBuffer     int
	writeTimeout   time.Duration
	pingInterval   time.Duration
	connectTimeout time.Duration

	mu      sync.Mutex
	tenants map[string]*tenantEntry
	closed  bool
	conns   sync.WaitGroup
	// opening collapses concurrent Session creation per tenant.
	opening singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithSessionOptions is passed to every session.Connect.
func WithSessionOptions(options ...session.Option) Option {
	return func(r *Registry) {
		r.sessionOptions = append(r.sessionOptions, options...)
	}
}

// WithSendBuffer sets how many outbound frames a connection queues.
func WithSendBuffer(n int) Option {
	return func(r *Registry) {
		r.sendBuffer = n
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.writeTimeout = d
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.pingInterval = d
	}
}

// WithConnectTimeout bounds session creation for a new tenant.
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.connectTimeout = d
	}
}

// NewRegistry creates a Registry serving tenants from backend.
func NewRegistry(backend domain.Backend, verifier *auth.Verifier, options ...Option) *Registry {
	r := &Registry{
		router:         mux.NewRouter(),
		backend:        backend,
		verifier:       verifier,
		logger:         zap.NewNop().Sugar(),
		sendBuffer:     256,
		writeTimeout:   10 * time.Second,
		pingInterval:   30 * time.Second,
		connectTimeout: 30 * time.Second,
		tenants:        make(map[string]*tenantEntry),
	}
	for _, option := range options {
		option(r)
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Clients are not browsers bound to our origin; the token authenticates them.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	r.routes()
	r.router.Use(r.requestLoggerMiddleware)
	r.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.logger.Warnf("No route found for %s %s", req.Method, req.URL.Path)
		WriteJSONError(w, http.StatusNotFound, "no route for "+req.URL.Path)
	})
	return r
}

// Router exposes the internal mux.Router.
func (r *Registry) Router() http.Handler {
	return r.router
}

func (r *Registry) routes() {
	r.router.HandleFunc("/health", r.HandleHealth).Methods("GET")
	r.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.router.HandleFunc("/ws", r.HandleConnect).Methods("GET")
	r.router.HandleFunc("/{token}", r.HandleConnect).Methods("GET")
}

// requestLoggerMiddleware logs the method, URL path, and duration for each request.
// Upgraded connections are logged when they end.
func (r *Registry) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		r.logger.Debugf("Request %s %s took %s", req.Method, req.URL.Path, time.Since(start))
	})
}

// HandleConnect authenticates the request and upgrades it to a websocket bound
// to the token's workspace.
func (r *Registry) HandleConnect(w http.ResponseWriter, req *http.Request) {
	claims, err := r.verifier.Verify(auth.TokenFromRequest(req))
	if err != nil {
		r.logger.Infow("rejected connection", "remote", req.RemoteAddr, "error", err)
		WriteJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if r.isClosed() {
		WriteJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// the upgrader has already answered the request
		r.logger.Warnf("upgrade failed for %s: %v", req.RemoteAddr, err)
		return
	}
	newConn(r, ws, claims.Workspace).serve()
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
