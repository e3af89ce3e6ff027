package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Avi18971911/Flume/pkg/buffer"
	"github.com/Avi18971911/Flume/pkg/config"
	"github.com/Avi18971911/Flume/pkg/event"
	"github.com/Avi18971911/Flume/pkg/lifecycle"
	"github.com/Avi18971911/Flume/pkg/metrics"
	"github.com/Avi18971911/Flume/pkg/peerforwarder"
	"github.com/Avi18971911/Flume/pkg/pipeline"
	"github.com/Avi18971911/Flume/pkg/processor/servicemap"
	"github.com/Avi18971911/Flume/pkg/sink/opensearch"
	"github.com/Avi18971911/Flume/pkg/source/otel"
	"github.com/asaskevich/EventBus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	pipelineName    = "trace-pipeline"
	metricsAddr     = ":2021"
	exitInitFailure = 1
	exitFatal       = 2
)

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return exitInitFailure
	}
	defer logger.Sync()

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("Fatal runtime error", zap.Any("panic", recovered))
			exitCode = exitFatal
		}
	}()

	if len(os.Args) < 2 {
		logger.Error("Usage: flume <config-file>")
		return exitInitFailure
	}
	cfg, err := config.Load(os.Args[1])
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		return exitInitFailure
	}

	eventBus := EventBus.New()
	stateBus := lifecycle.NewBus[lifecycle.Transition](eventBus, logger)
	err = stateBus.Subscribe(lifecycle.PipelineStateTopic, func(transition lifecycle.Transition) error {
		logger.Info("Pipeline state transition",
			zap.String("pipeline", transition.PipelineName),
			zap.String("state", transition.State),
		)
		return nil
	}, false)
	if err != nil {
		logger.Error("Failed to subscribe to pipeline state transitions", zap.Error(err))
		return exitInitFailure
	}

	registry := prometheus.NewRegistry()
	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if serveErr := http.ListenAndServe(metricsAddr, nil); serveErr != nil {
			logger.Warn("Metrics endpoint stopped", zap.Error(serveErr))
		}
	}()

	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 1
	}
	group, err := servicemap.NewGroup(cfg.ServiceMap, cfg.Pipeline.Workers, logger)
	if err != nil {
		logger.Error("Failed to create service map state", zap.Error(err))
		return exitInitFailure
	}
	serviceMapMetrics := metrics.NewPluginMetrics(registry, pipelineName, "service-map")
	chains := make([][]pipeline.Processor, cfg.Pipeline.Workers)
	for workerID := range chains {
		chains[workerID] = []pipeline.Processor{group.NewProcessor(serviceMapMetrics, logger)}
	}
	identificationKeys := chains[0][0].(pipeline.PeerForwardingProcessor).IdentificationKeys()

	localEndpoint := fmt.Sprintf("localhost:%d", cfg.PeerForwarder.Port)
	provider := peerforwarder.NewProvider(cfg.PeerForwarder, localEndpoint, logger)
	forwarderMetrics := metrics.NewPluginMetrics(registry, pipelineName, "peer-forwarder")
	forwarder, receiveBuffer, err := provider.Register(
		pipelineName, "service-map", identificationKeys, forwarderMetrics)
	if err != nil {
		logger.Error("Failed to register peer forwarder", zap.Error(err))
		return exitInitFailure
	}
	forwarderServer := peerforwarder.NewServer(provider, cfg.PeerForwarder.Port, logger)
	forwarderServer.Start()

	sinkMetrics := metrics.NewPluginMetrics(registry, pipelineName, "opensearch")
	sink, err := opensearch.NewSink(cfg.Sink, pipelineName, "opensearch", sinkMetrics, logger)
	if err != nil {
		logger.Error("Failed to initialize sink", zap.Error(err))
		return exitInitFailure
	}

	buf := buffer.NewBlockingBuffer[*event.Record](
		cfg.Buffer.BufferSize, cfg.Buffer.BatchSize, buffer.DefaultVisibilityTimeout)
	source := otel.NewTraceSource(cfg.SourcePort, logger)

	pipelineMetrics := metrics.NewPluginMetrics(registry, pipelineName, "pipeline")
	tracePipeline := pipeline.NewPipeline(
		pipelineName,
		source,
		buf,
		nil,
		[]pipeline.Sink{sink},
		pipeline.Settings{
			Workers:       cfg.Pipeline.Workers,
			ReadBatchSize: cfg.Pipeline.ReadBatchSize,
			ReadTimeout:   cfg.Pipeline.ReadTimeout(),
			Delay:         cfg.Pipeline.Delay(),
		},
		pipelineMetrics,
		stateBus,
		logger,
	).
		WithWorkerProcessors(chains).
		WithPeerForwarding(forwarder, receiveBuffer)

	if err := tracePipeline.Run(); err != nil {
		logger.Error("Failed to start pipeline", zap.Error(err))
		return exitInitFailure
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	received := <-signals
	logger.Info("Shutting down on signal", zap.String("signal", received.String()))

	tracePipeline.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := forwarderServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Peer forwarder server shutdown failed", zap.Error(err))
	}
	provider.Shutdown()
	return 0
}
