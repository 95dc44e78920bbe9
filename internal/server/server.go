// Package server exposes a registered object-graph schema as addressable
// resources over HTTP: CRUD, search and custom functions, gated by the
// session and permission model.
package server

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	iauth "github.com/objectwire/objectwire/internal/auth"
	"github.com/objectwire/objectwire/internal/middleware"
	"github.com/objectwire/objectwire/internal/schema"
	"github.com/objectwire/objectwire/internal/store"
	appErrors "github.com/objectwire/objectwire/pkg/errors"
	"github.com/objectwire/objectwire/pkg/logger"
	"github.com/objectwire/objectwire/pkg/metrics"
	"github.com/objectwire/objectwire/pkg/response"
)

const (
	// DefaultLoginPath is where credentials are exchanged for a token.
	DefaultLoginPath = "/login"
	// DefaultSearchPrefix is the path prefix search descriptors are posted
	// under, followed by the entity's resource path.
	DefaultSearchPrefix = "/search"
)

// ErrorObserver receives every internal failure before it is collapsed into a
// 500 response. The default observer logs.
type ErrorObserver interface {
	RequestErrored(op Operation, entity string, phase Phase, err error)
}

type loggingErrorObserver struct {
	log *zap.Logger
}

func (o *loggingErrorObserver) RequestErrored(op Operation, entity string, phase Phase, err error) {
	o.log.Error("request failed",
		zap.String("operation", op.String()),
		zap.String("entity", entity),
		zap.String("phase", phase.String()),
		zap.Error(err),
	)
}

// Config customises a Server.
type Config struct {
	LoginPath    string
	SearchPrefix string
	// Observer receives resource lifecycle events. Optional.
	Observer schema.Observer
	// Errors receives internal failures. Defaults to a logging observer.
	Errors ErrorObserver
	// Metrics mounts the prometheus endpoint when true.
	Metrics bool
}

// Server drives the request state machine for every registered entity.
type Server struct {
	registry *schema.Registry
	store    *store.ObjectStore
	sessions *iauth.SessionService
	observer schema.Observer
	errs     ErrorObserver
	cfg      Config
	log      *zap.Logger
}

// New wires a resource server from its collaborators.
func New(registry *schema.Registry, objects *store.ObjectStore, sessions *iauth.SessionService, cfg Config) (*Server, error) {
	if registry == nil {
		return nil, errors.New("server: registry is required")
	}
	if objects == nil {
		return nil, errors.New("server: object store is required")
	}
	if sessions == nil {
		return nil, errors.New("server: session service is required")
	}

	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.SearchPrefix == "" {
		cfg.SearchPrefix = DefaultSearchPrefix
	}

	log := logger.WithModule("server")
	if cfg.Errors == nil {
		cfg.Errors = &loggingErrorObserver{log: log}
	}

	return &Server{
		registry: registry,
		store:    objects,
		sessions: sessions,
		observer: cfg.Observer,
		errs:     cfg.Errors,
		cfg:      cfg,
		log:      log,
	}, nil
}

// Router builds the gin engine with one route group per registered entity.
func (s *Server) Router() *gin.Engine {
	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.Session(s.sessions))

	r.GET("/health", func(c *gin.Context) {
		response.JSON(c, 200, gin.H{"status": "ok"})
	})
	if s.cfg.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	r.POST(s.cfg.LoginPath, s.handleLogin)
	r.POST("/logout", s.handleLogout)

	for _, ent := range s.registry.Entities() {
		entity := ent
		group := r.Group("/" + entity.Path)
		{
			group.POST("", s.resourceHandler(OpCreate, entity, s.handleCreate))
			group.GET("/:id", s.resourceHandler(OpGet, entity, s.handleGet))
			group.PUT("/:id", s.resourceHandler(OpEdit, entity, s.handleEdit))
			group.DELETE("/:id", s.resourceHandler(OpDelete, entity, s.handleDelete))
			group.POST("/:id/:function", s.resourceHandler(OpFunction, entity, s.handleFunction))
		}
		r.POST(s.cfg.SearchPrefix+"/"+entity.Path, s.resourceHandler(OpSearch, entity, s.handleSearch))
	}

	return r
}

// resourceHandler runs the shared Received → Authenticated/Anonymous prefix
// of the state machine, then hands off to the operation handler.
func (s *Server) resourceHandler(op Operation, entity *schema.Entity, fn func(*gin.Context, *request)) gin.HandlerFunc {
	_, access, _ := s.registry.Lookup(entity.Name)

	return func(c *gin.Context) {
		c.Set(middleware.CtxOperationKey, op.String())
		c.Set(middleware.CtxEntityKey, entity.Name)

		req := &request{
			op:     op,
			entity: entity,
			access: access,
			phase:  PhaseReceived,
		}

		req.session = middleware.SessionFromContext(c)
		if req.session != nil {
			req.token = c.GetString(middleware.CtxTokenKey)
			req.advance(PhaseAuthenticated)
		} else {
			if entity.RequiresSession {
				s.fail(c, req, appErrors.ErrUnauthorized)
				return
			}
			req.advance(PhaseAnonymous)
		}

		fn(c, req)
	}
}

// fail reports the error, records it against the phase reached and writes the
// response. Unexpected failures are observed and collapsed into a 500.
func (s *Server) fail(c *gin.Context, req *request, err error) {
	appErr := appErrors.FromError(err)
	if appErr.StatusCode >= 500 || appErr.Internal != nil {
		s.errs.RequestErrored(req.op, req.entityName(), req.phase, err)
	}
	req.advance(PhaseErrored)

	metrics.RequestsTotal.WithLabelValues(req.op.String(), strconv.Itoa(appErr.StatusCode)).Inc()
	response.Error(c, appErr)
}

// respond finishes the state machine with a success response.
func (s *Server) respond(c *gin.Context, req *request, status int, body any) {
	req.advance(PhaseResponded)
	metrics.RequestsTotal.WithLabelValues(req.op.String(), strconv.Itoa(status)).Inc()
	if body == nil {
		c.Status(status)
		return
	}
	response.JSON(c, status, body)
}

// emit delivers a lifecycle event to the configured observer.
func (s *Server) emit(req *request, kind schema.EventKind, resourceID int64, property string) {
	if s.observer == nil {
		return
	}
	s.observer.ResourceEvent(schema.Event{
		Kind:       kind,
		Entity:     req.entityName(),
		ResourceID: resourceID,
		Property:   property,
		Token:      req.token,
	})
}

// storeError translates object-store failures into the response taxonomy.
func storeError(err error) *appErrors.AppError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return appErrors.ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return appErrors.ErrConflict
	case errors.Is(err, store.ErrInvalidSearch):
		return appErrors.NewBadRequest(err.Error())
	case errors.Is(err, store.ErrUnknownEntity):
		return appErrors.ErrNotFound
	default:
		return appErrors.ErrInternalServer.WithInternal(err)
	}
}
