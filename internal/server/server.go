package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/bcnet/internal/auth"
	"github.com/danmuck/bcnet/internal/observability"
	"github.com/danmuck/bcnet/internal/peer"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Admin is the HTTP admin surface of a running peer.
type Admin struct {
	id        string
	version   string
	startedAt time.Time
	peer      *peer.Server
	gatherer  prometheus.Gatherer
	tokens    auth.Validator
	router    *gin.Engine
}

// NewAdmin builds the admin router for srv. Metrics are served from gatherer;
// mutating routes require a bearer token accepted by tokens (nil denies them).
func NewAdmin(id, version string, srv *peer.Server, gatherer prometheus.Gatherer, tokens auth.Validator) *Admin {
	gin.SetMode(gin.ReleaseMode)
	if tokens == nil {
		tokens = auth.StaticToken{}
	}
	a := &Admin{
		id:        id,
		version:   version,
		startedAt: time.Now(),
		peer:      srv,
		gatherer:  gatherer,
		tokens:    tokens,
		router:    gin.New(),
	}
	a.router.Use(gin.Recovery())
	a.router.Use(observability.AdminMiddleware(log.Logger, id))
	a.registerRoutes()
	return a
}

func (a *Admin) NodeID() string {
	return a.id
}

func (a *Admin) Router() *gin.Engine {
	return a.router
}

// Serve runs the admin API on addr until ctx ends.
func (a *Admin) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.ServeListener(ctx, ln)
}

func (a *Admin) ServeListener(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Msgf("server.Admin.Serve listening addr=%q node=%s", ln.Addr().String(), a.id)

	errCh := make(chan error, 1)
	go func() {
		errCh <- hs.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			log.Warn().Msgf("server.Admin.Serve shutdown err=%v", err)
			return err
		}
		return nil
	}
}
