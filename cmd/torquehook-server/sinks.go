package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/torquehook/internal/account"
	"github.com/torquehook/internal/config"
	"github.com/torquehook/internal/coordinator"
	"github.com/torquehook/internal/mqttclient"
	"github.com/torquehook/internal/sink"
)

// sinks holds the outputs that need closing on shutdown.
type sinks struct {
	closers []func() error
	logger  *slog.Logger
}

func (s *sinks) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Error("closing output failed", "error", err)
		}
	}
}

// startSinks connects every enabled output and subscribes it to coord.
func startSinks(cfg *config.Config, manager *account.Manager, coord *coordinator.Coordinator, logger *slog.Logger) (*sinks, error) {
	s := &sinks{logger: logger}

	if cfg.MQTT.Enabled {
		if err := startMQTT(cfg.MQTT, manager, coord, logger, s); err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.Kafka.Enabled {
		k := sink.NewKafka(sink.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		coord.Subscribe("kafka", k.Listener)
		s.closers = append(s.closers, k.Close)
		logger.Info("kafka output enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	if cfg.Influx.Enabled {
		in := sink.NewInfluxClient(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket, logger)
		coord.Subscribe("influx", in.Listener)
		s.closers = append(s.closers, in.Close)
		logger.Info("influx output enabled", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}
	return s, nil
}

func startMQTT(cfg config.MQTTConfig, manager *account.Manager, coord *coordinator.Coordinator, logger *slog.Logger, s *sinks) error {
	clientID := cfg.ClientID
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = "torquehook-" + host
	}

	client, err := mqttclient.New(mqttclient.Options{
		BrokerURL:   cfg.Broker,
		ClientID:    clientID,
		Username:    cfg.Username,
		Password:    cfg.Password,
		WillTopic:   sink.AvailabilityTopic(cfg.StatePrefix),
		WillPayload: "offline",
	})
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	m := sink.NewMQTT(client, cfg.DiscoveryPrefix, cfg.StatePrefix, logger)
	for _, info := range manager.Accounts() {
		if reg, ok := manager.Registry(info.ID); ok {
			m.Seed(reg.List())
		}
	}
	if err := client.Subscribe(m.StatusTopic(), 1, m.HandleStatus); err != nil {
		client.Close()
		return fmt.Errorf("mqtt subscribe %s: %w", m.StatusTopic(), err)
	}
	if err := m.SetOnline(true); err != nil {
		logger.Warn("failed to publish availability", "error", err)
	}
	m.Reannounce()
	coord.Subscribe("mqtt", m.Listener)

	s.closers = append(s.closers, func() error {
		err := m.SetOnline(false)
		client.Close()
		return err
	})
	logger.Info("mqtt output enabled", "broker", cfg.Broker, "discovery_prefix", cfg.DiscoveryPrefix)
	return nil
}
