package rpc

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	promclient "github.com/spooky-finn/go-cryptomarkets-depthview/infrastructure/prometheus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/registry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var logger = logrus.WithField("component", "rpc")

// FeedService is the gRPC health service name that reports upstream feed
// health.
const FeedService = "depthview.feed"

type Server struct {
	registry *registry.Registry
	books    promclient.BookStats
	opts     ConnectionOptions

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	httpSrv  *http.Server
	grpcSrv  *grpc.Server
	health   *health.Server

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closing so no goroutine is added to wg once Shutdown waits.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewServer(reg *registry.Registry, books promclient.BookStats, metrics *prometheus.Registry, opts ConnectionOptions) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		registry: reg,
		books:    books,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux:     http.NewServeMux(),
		grpcSrv: grpc.NewServer(),
		health:  health.NewServer(),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.mux.HandleFunc("/ws", s.serveWS)
	s.mux.HandleFunc("/healthz", s.serveHealthz)
	s.mux.Handle("/metrics", promclient.Handler(metrics))
	s.httpSrv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}

	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	reflection.Register(s.grpcSrv)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.updateFeedHealth()

	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve runs the HTTP and gRPC listeners until one fails or Shutdown is
// called.
func (s *Server) Serve(httpAddr, grpcAddr string) error {
	httpLis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", httpAddr)
	}
	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		httpLis.Close()
		return errors.Wrapf(err, "listen %s", grpcAddr)
	}

	errs := make(chan error, 2)
	go func() {
		logger.Infof("http server listening at %v", httpLis.Addr())
		if err := s.httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- errors.Wrap(err, "http server")
			return
		}
		errs <- nil
	}()
	go func() {
		logger.Infof("grpc server listening at %v", grpcLis.Addr())
		if err := s.grpcSrv.Serve(grpcLis); err != nil {
			errs <- errors.Wrap(err, "grpc server")
			return
		}
		errs <- nil
	}()

	return <-errs
}

// WatchFeedHealth refreshes the feed health status every interval until ctx
// is done.
func (s *Server) WatchFeedHealth(ctx context.Context, interval time.Duration) {
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.updateFeedHealth()
			}
		}
	}()
}

// track registers one goroutine with wg. It reports false once Shutdown has
// started.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) updateFeedHealth() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.books.StaleBooks() > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(FeedService, status)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	s.health.Shutdown()

	err := s.httpSrv.Shutdown(ctx)

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		s.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
		return errors.Wrap(ctx.Err(), "rpc shutdown")
	}
	return err
}
