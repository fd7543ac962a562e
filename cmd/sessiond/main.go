package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/arc-self/trace-sessiond/internal/config"
	"github.com/arc-self/trace-sessiond/internal/consumer"
	"github.com/arc-self/trace-sessiond/internal/enum"
	"github.com/arc-self/trace-sessiond/internal/eventbus"
	"github.com/arc-self/trace-sessiond/internal/fdquota"
	"github.com/arc-self/trace-sessiond/internal/health"
	"github.com/arc-self/trace-sessiond/internal/lifecycle"
	"github.com/arc-self/trace-sessiond/internal/listener"
	"github.com/arc-self/trace-sessiond/internal/registry"
	"github.com/arc-self/trace-sessiond/internal/session"
	"github.com/arc-self/trace-sessiond/internal/telemetry"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

const buildVersion = "0.1.0-dev"

// fdQuotaLimit bounds the consumer-stream and control-socket descriptors
// this coordinator will reserve at once (§5).
const fdQuotaLimit = 4096

// coordinator bundles the control surface an external RPC frontend dials
// into: registration state, the session-projection operations of §4.4,
// and the enumeration operations of §4.7.
type coordinator struct {
	Registry  *registry.Registry
	Lifecycle *lifecycle.Manager
	Session   *session.Manager
	Enum      *enum.Lister
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the tracing session coordinator",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := run(); err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
				os.Exit(1)
			}
		},
	}
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Println(buildVersion)
		},
	}
}

func run() error {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		vaultAddr = "http://localhost:8200"
	}
	vaultToken := os.Getenv("VAULT_TOKEN")
	if vaultToken == "" {
		vaultToken = "root"
	}
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "secret/data/arc/trace-sessiond"
	}

	secretMgr, err := config.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("vault connection failed", zap.Error(err))
	}
	bootstrap, err := secretMgr.LoadBootstrap(secretPath)
	if err != nil {
		logger.Warn("bootstrap secret load failed, continuing with defaults", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	quota := fdquota.New(fdQuotaLimit)
	driver := tracerdriver.NewUnixDriver()
	reclaimer := registry.NewReclaimer(bootstrap.ReclaimGrace, logger)
	go reclaimer.Run(ctx)

	consumerSock := bootstrap.ConsumerSocket64
	if consumerSock == "" {
		consumerSock = bootstrap.ConsumerSocket32
	}
	var client consumer.Client
	if consumerSock != "" {
		conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: consumerSock, Net: "unix"})
		if err != nil {
			logger.Fatal("consumer socket dial failed", zap.Error(err), zap.String("socket", consumerSock))
		}
		defer conn.Close()
		client = consumer.NewUnixClient(conn)
	}
	handoff := consumer.New(client, quota, driver, logger)

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	var publisher *eventbus.Publisher
	if p, err := eventbus.NewPublisher(natsURL, logger); err != nil {
		logger.Warn("nats connection failed, lifecycle events will not be published", zap.Error(err))
	} else {
		publisher = p
		defer publisher.Close()
		if err := publisher.ProvisionStream(); err != nil {
			logger.Warn("nats stream provisioning failed", zap.Error(err))
		}
	}

	lc := &lifecycle.Manager{
		Registry:       reg,
		Quota:          quota,
		Driver:         driver,
		Consumers:      listener.Availability{Socket32: bootstrap.ConsumerSocket32, Socket64: bootstrap.ConsumerSocket64},
		Sockets:        driver,
		Reclaimer:      reclaimer,
		SupportedMajor: bootstrap.SupportedTracerMajor,
		Logger:         logger,
		Publisher:      publisher,
	}

	sessionMgr := session.New(reg, driver, handoff, logger)
	sessionMgr.Publisher = publisher

	// sessionMgr and lister implement the §4.4/§4.7 control surface; the
	// RPC frontend that accepts session/channel/event commands from an
	// operator CLI is an external collaborator (§1) not built by this
	// binary, so coord is the handoff point a future frontend dials into.
	coord := &coordinator{
		Registry:  reg,
		Lifecycle: lc,
		Session:   sessionMgr,
		Enum:      &enum.Lister{Registry: reg, Driver: driver, Logger: logger},
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}
	tp, err := telemetry.InitTracerProvider(ctx, "trace-sessiond", otlpEndpoint)
	if err != nil {
		logger.Warn("tracer provider init failed, spans will not be exported", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tp.Shutdown(shutdownCtx)
		}()
	}

	monitor := health.NewMonitor()
	healthSrv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(healthSrv, monitor.Server())
	healthPort := os.Getenv("HEALTH_PORT")
	if healthPort == "" {
		healthPort = "9090"
	}
	healthLis, err := net.Listen("tcp", ":"+healthPort)
	if err != nil {
		logger.Fatal("health listener failed", zap.Error(err))
	}
	go func() {
		if err := healthSrv.Serve(healthLis); err != nil {
			logger.Warn("health server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		healthSrv.GracefulStop()
	}()

	appSocket := os.Getenv("APP_SOCKET")
	if appSocket == "" {
		appSocket = "/run/trace-sessiond/agent.sock"
	}
	appListener := listener.New(appSocket, coord.Lifecycle, driver, logger)
	monitor.Beat(health.ComponentListener)
	monitor.Beat(health.ComponentRegistry)
	monitor.Beat(health.ComponentReclaimer)

	go func() {
		if err := appListener.Run(ctx); err != nil {
			logger.Error("app listener stopped", zap.Error(err))
		}
	}()

	logger.Info("trace-sessiond started", zap.String("socket", appSocket))
	<-ctx.Done()
	logger.Info("trace-sessiond shutting down")
	return nil
}

func main() {
	root := &cobra.Command{
		Use:  "sessiond [command]",
		Long: "Tracing session coordinator: app registry, shadow state, and consumer handoff",
	}

	root.AddCommand(newRunCommand(), newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
