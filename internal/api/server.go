package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var ErrNoEntryService = errors.New("entry service is required")
var ErrNoStatusService = errors.New("status service is required")
var ErrNoUpdateQueue = errors.New("update queue is required")

type Server struct {
	router *gin.Engine

	httpSrv *http.Server
}

type ServerOptions struct {
	Entries entryService
	Status  statusService
	Queue   updateQueue
	Logger  *zap.Logger
	Addr    string
}

func NewServer(opts *ServerOptions) (*Server, error) {
	if opts.Entries == nil {
		return nil, ErrNoEntryService
	}
	if opts.Status == nil {
		return nil, ErrNoStatusService
	}
	if opts.Queue == nil {
		return nil, ErrNoUpdateQueue
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(
		RecoveryMiddleware(opts.Logger),
		RequestIDMiddleware(),
		LoggingMiddleware(opts.Logger),
	)

	h := NewHandler(opts.Entries, opts.Status, opts.Queue, opts.Logger)
	setupRouter(router, h)

	return &Server{
		router: router,
		httpSrv: &http.Server{
			Addr:    opts.Addr,
			Handler: router,
		}}, nil
}

func (s *Server) Run() error {
	return s.httpSrv.ListenAndServe()
}
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) Router() http.Handler {
	return s.router
}

func setupRouter(router *gin.Engine, h *handler) {
	group := router.Group("/")
	group.GET("/status", h.getStatus)
	group.POST("/update", h.triggerUpdate)

	group.POST("/entries", h.createEntry)
	group.GET("/entries", h.listEntries)
	group.DELETE("/entries/:id", h.deleteEntry)
	group.DELETE("/entries", h.deleteAllEntries)
}
