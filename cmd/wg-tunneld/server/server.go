// Package server exposes the processor over a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"wg-tunneld/cmd/wg-tunneld/processor"
	"wg-tunneld/cmd/wg-tunneld/status"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
	// request bodies are explicit structs, anything else is a client error
	binding.EnableDecoderDisallowUnknownFields = true
}

type snapshotter interface {
	Snapshot() *status.Snapshot
}

type Options struct {
	ListenAddress   string
	ShutdownTimeout time.Duration
}

type Server struct {
	proc     *processor.Processor
	status   snapshotter
	engine   *gin.Engine
	http     *http.Server
	shutdown time.Duration
	log      *logrus.Entry
}

func New(opts Options, proc *processor.Processor, st snapshotter, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	s := &Server{
		proc:     proc,
		status:   st,
		shutdown: opts.ShutdownTimeout,
		log:      logger.WithField("component", "server"),
	}

	router := gin.New()
	router.Use(requestID())
	router.Use(requestLogger(s.log))
	router.Use(recovery(s.log))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	wg := router.Group("/wireguard")
	{
		wg.GET("/interfaces", s.listInterfaces)
		wg.POST("/interfaces", s.createInterface)
		wg.POST("/interfaces/import", s.importInterface)
		wg.GET("/interfaces/:id", s.getInterface)
		wg.PUT("/interfaces/:id", s.updateInterface)
		wg.DELETE("/interfaces/:id", s.deleteInterface)
		wg.POST("/interfaces/:id/start", lifecycle(proc.StartInterface))
		wg.POST("/interfaces/:id/stop", lifecycle(proc.StopInterface))
		wg.POST("/interfaces/:id/restart", lifecycle(proc.RestartInterface))
		wg.GET("/interfaces/:id/config", s.interfaceConfig)

		wg.GET("/peers", s.listPeers)
		wg.POST("/peers", s.addPeer)
		wg.GET("/peers/:id", s.getPeer)
		wg.PUT("/peers/:id", s.updatePeer)
		wg.DELETE("/peers/:id", s.removePeer)
		wg.GET("/peers/:id/status", s.peerStatus)
		wg.GET("/peers/:id/config", s.clientConfig)

		wg.GET("/status", s.snapshot)
	}

	s.engine = router
	s.http = &http.Server{
		Addr:              opts.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen binds the listen address so bind errors surface before the daemon
// reports itself started.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.http.Addr)
}

// Serve serves on ln until ctx is done, then shuts down gracefully. A serve
// failure cancels the whole daemon.
func (s *Server) Serve(ln net.Listener) func(ctx context.Context, cancel context.CancelFunc) {
	return func(ctx context.Context, cancel context.CancelFunc) {
		errCh := make(chan error, 1)
		go func() {
			s.log.WithField("address", ln.Addr().String()).Info("starting HTTP server")
			errCh <- s.http.Serve(ln)
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				s.log.WithError(err).Error("server failure")
				cancel()
			}
			return
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.shutdown)
		defer shutdownCancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Error("server shutdown failure")
		}
		s.log.Info("server shut down")
	}
}
