package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aosedge/aos_communicationmanager/internal/certwatch"
	"github.com/aosedge/aos_communicationmanager/internal/cloud/discovery"
	"github.com/aosedge/aos_communicationmanager/internal/cloud/link"
	"github.com/aosedge/aos_communicationmanager/internal/config"
	"github.com/aosedge/aos_communicationmanager/internal/errkind"
	"github.com/aosedge/aos_communicationmanager/internal/fanout"
	"github.com/aosedge/aos_communicationmanager/internal/fleet/controller"
	"github.com/aosedge/aos_communicationmanager/internal/iamclient"
	"github.com/aosedge/aos_communicationmanager/internal/logging"
	"github.com/aosedge/aos_communicationmanager/internal/metrics"
	"github.com/aosedge/aos_communicationmanager/internal/netalloc/dns"
	"github.com/aosedge/aos_communicationmanager/internal/netalloc/manager"
	"github.com/aosedge/aos_communicationmanager/internal/netalloc/rediscache"
	"github.com/aosedge/aos_communicationmanager/internal/netalloc/subnetpool"
	"github.com/aosedge/aos_communicationmanager/internal/store"
	"github.com/aosedge/aos_communicationmanager/internal/telemetry"
	"github.com/aosedge/aos_communicationmanager/rpc/smfleet"
)

// noBlobProvider is the explicit boundary of spec.md §1's "out of core
// scope": blob/image resolution belongs to a storage or image manager this
// module doesn't implement. Every digest is reported not found rather than
// left unwired.
type noBlobProvider struct{}

func (noBlobProvider) GetBlobsInfos(_ context.Context, digests []string) ([]smfleet.BlobInfo, error) {
	if len(digests) == 0 {
		return nil, nil
	}

	return nil, errkind.New(errkind.NotFound, "blob resolution is not implemented by this unit")
}

// linkMetrics adapts the process-wide prometheus registry to link.Metrics.
type linkMetrics struct {
	m *metrics.Metrics
}

func (l linkMetrics) IncAckRetries()           { l.m.AckRetries.Inc() }
func (l linkMetrics) IncUnknownMessageType()   { l.m.UnknownMessageType.Inc() }
func (l linkMetrics) SetPendingRequests(n int) { l.m.PendingRequests.Set(float64(n)) }

// controllerMetrics adapts the process-wide prometheus registry to
// controller.Metrics.
type controllerMetrics struct {
	m *metrics.Metrics
}

func (c controllerMetrics) SetSessionCount(n int) { c.m.SMSessionCount.Set(float64(n)) }

type healthChecker struct{}

func (healthChecker) Check(context.Context, *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

func (healthChecker) Watch(_ *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return stream.Send(&grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING})
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return fmt.Errorf("cmd/cm: loading configuration: %w", err)
	}

	ctx = logging.Init(ctx, cfg.LogLevel, cfg.LogFormat)
	dlog.Infof(ctx, "communication manager %s [pid:%d] starting for system %s", version, os.Getpid(), cfg.SystemID)

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("cmd/cm: telemetry setup: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			dlog.Errorf(ctx, "cmd/cm: telemetry shutdown: %v", err)
		}
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.EffectiveMigrationPath())
	if err != nil {
		return fmt.Errorf("cmd/cm: opening storage: %w", err)
	}
	defer db.Close()

	pool, err := subnetpool.New()
	if err != nil {
		return fmt.Errorf("cmd/cm: building subnet pool: %w", err)
	}

	dnsServerIP := net.ParseIP(cfg.DNSServerIP)
	if dnsServerIP == nil {
		return fmt.Errorf("cmd/cm: invalid dnsServerIp %q", cfg.DNSServerIP)
	}

	dnsController := dns.New(cfg.DNSHostsPath, dnsServerIP, dns.NewPIDFileSignaler(cfg.DNSPIDFile))

	// IAM is reached over a local, insecure channel: it is the service
	// this unit asks for its very first certificate, so no client
	// certificate can exist yet at dial time.
	iamClient, err := iamclient.Dial(ctx, cfg.IAMServerURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("cmd/cm: dialing iam: %w", err)
	}
	defer iamClient.Close()

	credentials := iamclient.NewCredentials(iamClient, cfg.CertStorage, cfg.CACert)
	if err := credentials.Rebuild(); err != nil {
		return fmt.Errorf("cmd/cm: loading initial credentials: %w", err)
	}

	metricsRegistry := metrics.New()

	discoveryClient := discovery.New(cfg.ServiceDiscoveryURL, credentials.Current())

	cloudLink := newRestartableLink(func() link.Config {
		return link.Config{
			Discoverer:      discovererAdapter{client: discoveryClient},
			Dialer:          dialerAdapter{credentials: credentials},
			SystemID:        cfg.SystemID,
			ResponseTimeout: cfg.CloudResponseWaitTimeout,
			MinRetryDelay:   cfg.CMReconnectTimeout,
			Metrics:         linkMetrics{m: metricsRegistry},
		}
	})

	outbound := fanout.New(cfg.SystemID, cloudLink)

	ctrl := controller.New(sessionHandlers{out: outbound}, noBlobProvider{})
	ctrl.SetMetrics(controllerMetrics{m: metricsRegistry})
	cloudLink.Subscribe(cloudConnectedListener{controller: ctrl})

	// netMgr drives C4's reconciliation and persists via db; nothing in
	// this module yet decodes inbound cloud envelopes into
	// UpdateProviderNetwork/PrepareInstanceNetworkParameters calls, since
	// that dispatch sits one layer above the C1-C11 components this
	// module implements (mirrors noBlobProvider's explicit scope cut).
	netMgr := manager.New(pool, dnsController, notifierAdapter{controller: ctrl}, db, nil)

	if cfg.NetworkManagerCacheURL != "" {
		cache, err := rediscache.New(ctx, cfg.NetworkManagerCacheURL)
		if err != nil {
			return fmt.Errorf("cmd/cm: connecting network manager cache: %w", err)
		}
		defer cache.Close()

		netMgr.SetVlanCache(cache)
	}

	if err := netMgr.Init(); err != nil {
		return fmt.Errorf("cmd/cm: initializing network manager: %w", err)
	}

	watcher := certwatch.New(iamClient, cfg.CertStorage, credentials, cloudLink, ctrl)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})

	g.Go("cloud-link", func(ctx context.Context) error {
		if err := cloudLink.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()

		return cloudLink.Stop()
	})

	g.Go("fanout", outbound.Run)

	g.Go("cert-watch", watcher.Run)

	g.Go("sm-server", func(ctx context.Context) error {
		return serveSMService(ctx, cfg.SMListenAddr, ctrl)
	})

	g.Go("metrics", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, metricsRegistry)
	})

	g.Go("metrics-collector", func(ctx context.Context) error {
		return collectMetrics(ctx, metricsRegistry, outbound)
	})

	return g.Wait()
}

func serveSMService(ctx context.Context, addr string, ctrl *controller.Controller) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sm-server: listen %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	smfleet.RegisterSMServiceServer(srv, ctrl)
	grpc_health_v1.RegisterHealthServer(srv, healthChecker{})

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	dlog.Infof(ctx, "sm-server: listening on %s", addr)

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:     addr,
		Handler:  mux,
		ErrorLog: dlog.StdLogger(ctx, dlog.LogLevelError),
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	dlog.Infof(ctx, "metrics: listening on %s", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

const metricsCollectInterval = 5 * time.Second

// collectMetrics samples the outbound fanout's queue depth into the
// prometheus gauge; the other registered metrics are updated at their
// point of origin (ack retries in the cloud link, unknown-message drops in
// the message codec's callers) and need no polling loop.
func collectMetrics(ctx context.Context, m *metrics.Metrics, out *fanout.Fanout) error {
	ticker := time.NewTicker(metricsCollectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.OutboundQueueDepth.Set(float64(out.QueueDepth()))
		}
	}
}

// cloudConnectedListener broadcasts cloud link transitions to every live SM
// session, per spec.md's connectionStatus notification.
type cloudConnectedListener struct {
	controller *controller.Controller
}

func (l cloudConnectedListener) OnConnected() {
	l.controller.BroadcastCloudConnected(context.Background(), true)
}

func (l cloudConnectedListener) OnDisconnected() {
	l.controller.BroadcastCloudConnected(context.Background(), false)
}
