// Package api exposes the analysis management services over HTTP.
//
// Every mutating endpoint takes a JSON body carrying history_username (the acting
// user) and, for updates, the version the caller last read. Errors are mapped from
// the core taxonomy: missing nodes and values are 404, stale versions and uuid
// collisions are 409, invalid payloads are 400.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"ams/config"
	"ams/service"
	"ams/util/goroutine"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// uuidPattern restricts path variables so literal routes like /api/analyses/cached win
const uuidPattern = "{uuid:[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}}"

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// API holds the API server
type API struct {
	router         *mux.Router
	server         *http.Server
	serverMu       sync.Mutex
	services       *service.Services
	config         *config.Config
	logger         *zap.SugaredLogger
	validate       *validator.Validate
	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates a new API server over the given services
func NewAPI(services *service.Services, cfg *config.Config, logger *zap.SugaredLogger) *API {
	if services == nil {
		panic("services are required")
	}
	if cfg == nil {
		panic("config is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	api := &API{
		router:       mux.NewRouter(),
		services:     services,
		config:       cfg,
		logger:       logger,
		validate:     validator.New(),
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	api.setupRoutes()
	goroutine.Go("rate-limiter-cleanup", logger, nil, api.cleanupRateLimiters)
	return api
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.errorRecoveryMiddleware)
	a.router.Use(a.metricsMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	// Preflight requests are answered by corsMiddleware
	a.router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r := a.router.PathPrefix("/api").Subrouter()

	r.HandleFunc("/submissions", a.createSubmission).Methods("POST")
	r.HandleFunc("/submissions", a.listSubmissions).Methods("GET")
	r.HandleFunc("/submissions", a.batchUpdateSubmissions).Methods("PATCH")
	r.HandleFunc("/submissions/"+uuidPattern, a.getSubmission).Methods("GET")
	r.HandleFunc("/submissions/"+uuidPattern, a.updateSubmission).Methods("PATCH")
	r.HandleFunc("/submissions/"+uuidPattern+"/tree", a.getSubmissionTree).Methods("GET")
	r.HandleFunc("/submissions/"+uuidPattern+"/history", a.getSubmissionHistory).Methods("GET")

	r.HandleFunc("/observables", a.createObservable).Methods("POST")
	r.HandleFunc("/observables/batch", a.createObservables).Methods("POST")
	r.HandleFunc("/observables/"+uuidPattern, a.getObservable).Methods("GET")
	r.HandleFunc("/observables/"+uuidPattern, a.updateObservable).Methods("PATCH")
	r.HandleFunc("/observables/"+uuidPattern+"/history", a.getObservableHistory).Methods("GET")

	r.HandleFunc("/analyses", a.createAnalysis).Methods("POST")
	r.HandleFunc("/analyses/cached", a.getCachedAnalysis).Methods("GET")
	r.HandleFunc("/analyses/"+uuidPattern, a.getAnalysis).Methods("GET")
	r.HandleFunc("/analyses/"+uuidPattern, a.updateAnalysis).Methods("PATCH")
	r.HandleFunc("/analyses/"+uuidPattern+"/observables", a.addChildObservable).Methods("POST")
	r.HandleFunc("/analyses/"+uuidPattern+"/history", a.getAnalysisHistory).Methods("GET")

	r.HandleFunc("/comments", a.createComment).Methods("POST")
	r.HandleFunc("/comments/"+uuidPattern, a.getComment).Methods("GET")
	r.HandleFunc("/comments/"+uuidPattern, a.updateComment).Methods("PATCH")
	r.HandleFunc("/comments/"+uuidPattern, a.deleteComment).Methods("DELETE")
	r.HandleFunc("/comments/"+uuidPattern+"/history", a.getCommentHistory).Methods("GET")

	r.HandleFunc("/relationships", a.createRelationship).Methods("POST")
	r.HandleFunc("/relationships/"+uuidPattern, a.deleteRelationship).Methods("DELETE")

	r.HandleFunc("/nodes/"+uuidPattern+"/comments", a.listNodeComments).Methods("GET")
	r.HandleFunc("/nodes/"+uuidPattern+"/relationships", a.listNodeRelationships).Methods("GET")

	r.HandleFunc("/events", a.createEvent).Methods("POST")
	r.HandleFunc("/events/"+uuidPattern, a.getEvent).Methods("GET")
	r.HandleFunc("/events/"+uuidPattern, a.updateEvent).Methods("PATCH")
	r.HandleFunc("/events/"+uuidPattern+"/history", a.getEventHistory).Methods("GET")

	r.HandleFunc("/reference/{kind}", a.listReferenceValues).Methods("GET")
	r.HandleFunc("/reference/{kind}", a.createReferenceValue).Methods("POST")
	r.HandleFunc("/reference/{kind}/"+uuidPattern, a.updateReferenceValue).Methods("PATCH")
	r.HandleFunc("/reference/{kind}/"+uuidPattern, a.deleteReferenceValue).Methods("DELETE")

	r.HandleFunc("/users", a.listUsers).Methods("GET")
	r.HandleFunc("/users", a.createUser).Methods("POST")

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// ServeHTTP lets the API be mounted or exercised directly
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) newServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Start starts the API server
func (a *API) Start(addr string) error {
	server, err := a.prepareServer(addr)
	if err != nil {
		return err
	}
	return server.ListenAndServe()
}

// StartTLS starts the API server with TLS
func (a *API) StartTLS(addr, certFile, keyFile string) error {
	server, err := a.prepareServer(addr)
	if err != nil {
		return err
	}
	return server.ListenAndServeTLS(certFile, keyFile)
}

// prepareServer refuses to start once Stop has been called
func (a *API) prepareServer(addr string) (*http.Server, error) {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	select {
	case <-a.stopCh:
		return nil, http.ErrServerClosed
	default:
	}
	a.server = a.newServer(addr)
	return a.server, nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.serverMu.Lock()
	a.stopOnce.Do(func() { close(a.stopCh) })
	server := a.server
	a.serverMu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
