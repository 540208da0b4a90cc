package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/Lalufu/solaredge-mqtt"
	"github.com/Lalufu/solaredge-mqtt/events"
	"github.com/Lalufu/solaredge-mqtt/internal/buffer"
	"github.com/Lalufu/solaredge-mqtt/internal/clock"
	"github.com/Lalufu/solaredge-mqtt/internal/config"
	"github.com/Lalufu/solaredge-mqtt/internal/delivery"
	"github.com/Lalufu/solaredge-mqtt/internal/logging"
	"github.com/Lalufu/solaredge-mqtt/internal/metrics"
	"github.com/Lalufu/solaredge-mqtt/internal/sampler"
	"github.com/Lalufu/solaredge-mqtt/internal/solaredge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// how long to wait for the workers after a shutdown signal
const shutdownGrace = 5 * time.Second

var _ delivery.Transport = (*mqtt.Client)(nil)

func main() {
	logging.Setup(os.Stderr, false)

	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Msgf("%s", err)
	}

	logging.Setup(os.Stderr, cfg.Debug)
	log.Debug().Msgf("Completed config: %+v", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Msgf("Terminating: %s", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	buf, err := buffer.New[events.Record](cfg.BufferSize, cfg.Policy())
	if err != nil {
		return err
	}
	metrics.RegisterBufferLength(reg, buf.Len)

	inverter := solaredge.NewInverter(solaredge.Config{
		Host:    cfg.SolarEdgeHost,
		Port:    cfg.SolarEdgePort,
		UnitID:  cfg.SolarEdgeUnit,
		Timeout: cfg.SolarEdgeTimeout,
	})
	defer inverter.Close()

	client, err := mqtt.NewClient(mqtt.Config{
		ServerURL: cfg.MQTTServerURL(),
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		KeepAlive: cfg.MQTTKeepAlive,
		QoS:       cfg.MQTTQoS,

		ConnectTimeout: cfg.MQTTConnectTimeout,
	})
	if err != nil {
		return err
	}

	loop, err := sampler.New(sampler.Config{
		Period:      cfg.ReadEvery,
		Phase:       cfg.Phase,
		TimeOffset:  cfg.TimeOffset,
		ReadTimeout: cfg.SolarEdgeTimeout,
		KeyField:    solaredge.SerialField,
	}, inverter, buf, clock.Real(), m)
	if err != nil {
		return err
	}

	worker := delivery.NewWorker(delivery.Config{
		Topic: cfg.MQTTTopic,
	}, client, buf, clock.Real(), m)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	failed := make(chan error, 3)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = errors.New("exited")
			}
			failed <- fmt.Errorf("%s: %w", name, err)
		}()
	}

	start("sampler", loop.Run)
	start("delivery", worker.Run)
	if cfg.MetricsAddr != "" {
		start("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.MetricsAddr, reg)
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Caught signal, exiting")
	case runErr = <-failed:
		log.Error().Msgf("Worker died, terminating program: %s", runErr)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn().Msgf("Workers did not stop within %s", shutdownGrace)
	}
	return runErr
}
