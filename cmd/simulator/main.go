package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ibamex-backend/internal/config"
	"ibamex-backend/internal/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

type options struct {
	broker      string
	username    string
	password    string
	buses       int
	interval    time.Duration
	route       string
	prefix      string
	statusEvery int
	countTopic  string
	statusTopic string
	logLevel    string
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}

	flagSet := pflag.NewFlagSet("simulator", pflag.ContinueOnError)
	flagSet.StringVar(&opts.broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flagSet.StringVar(&opts.username, "username", "", "MQTT username")
	flagSet.StringVar(&opts.password, "password", "", "MQTT password")
	flagSet.IntVar(&opts.buses, "buses", 5, "number of simulated buses")
	flagSet.DurationVar(&opts.interval, "interval", 3*time.Second, "time between count messages per bus")
	flagSet.StringVar(&opts.route, "route", "R1", "route id reported by every bus")
	flagSet.StringVar(&opts.prefix, "prefix", "BUS", "bus id prefix")
	flagSet.IntVar(&opts.statusEvery, "status-every", 5, "publish a status message every N counts (0 disables)")
	flagSet.StringVar(&opts.countTopic, "count-topic", config.DefaultCountTopic, "count topic")
	flagSet.StringVar(&opts.statusTopic, "status-topic", config.DefaultStatusTopic, "status topic")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if opts.buses < 1 {
		return nil, fmt.Errorf("--buses must be at least 1")
	}
	if opts.interval <= 0 {
		return nil, fmt.Errorf("--interval must be positive")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(opts.logLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := transport.NewMQTTClient(config.MQTTConfig{
		BrokerURL:         opts.broker,
		ClientID:          "ibamex-simulator-" + uuid.New().String(),
		Username:          opts.username,
		Password:          opts.password,
		ReconnectInterval: 5 * time.Second,
		KeepAlive:         30 * time.Second,
		ConnectTimeout:    10 * time.Second,
	}, log)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		log.WithError(err).WithField("broker", opts.broker).Fatal("Failed to connect to MQTT broker")
	}
	defer client.Close()

	log.WithFields(logrus.Fields{
		"buses":    opts.buses,
		"interval": opts.interval,
		"route":    opts.route,
	}).Info("Simulator started")

	var wg sync.WaitGroup
	for i := 1; i <= opts.buses; i++ {
		bus := newSimulatedBus(opts.prefix, i, opts.route, time.Now().UnixNano()+int64(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx, client, bus, opts, log.WithField("bus_id", bus.id))
		}()
	}

	wg.Wait()
	log.Info("Simulator stopped")
}

type publisher interface {
	Publish(topic string, payload []byte) error
}

func run(ctx context.Context, pub publisher, bus *simulatedBus, opts *options, log logrus.FieldLogger) {
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publishTick(pub, bus, opts, log)
		}
	}
}

func publishTick(pub publisher, bus *simulatedBus, opts *options, log logrus.FieldLogger) {
	bus.step()

	payload, err := bus.countPayload()
	if err != nil {
		log.WithError(err).Error("Failed to encode count")
		return
	}
	if err := pub.Publish(opts.countTopic, payload); err != nil {
		log.WithError(err).Warn("Failed to publish count")
		return
	}
	log.WithField("count", bus.count).Debug("Published count")

	if !bus.statusDue(opts.statusEvery) {
		return
	}
	payload, err = bus.statusPayload()
	if err != nil {
		log.WithError(err).Error("Failed to encode status")
		return
	}
	if err := pub.Publish(opts.statusTopic, payload); err != nil {
		log.WithError(err).Warn("Failed to publish status")
	}
}
