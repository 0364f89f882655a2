package hub

import (
	"context"
	"fmt"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/matbid/auction-engine/internal/metrics"
)

// Config holds the hub service configuration.
type Config struct {
	ConnectionConfig ConnectionConfig
	ConsumerConfig   ConsumerConfig
	// UseBroker selects JetStream fan-out. When false the hub runs on the
	// in-process bridge and no NATS connection is made.
	UseBroker bool
}

func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		ConsumerConfig:   DefaultConsumerConfig(),
		UseBroker:        true,
	}
}

// Service ties the connection manager, event consumer, and HTTP surface
// together.
type Service struct {
	manager  *ConnectionManager
	handler  *Handler
	consumer *EventConsumer
}

func NewService(config Config, engine EngineAPI, collector metrics.Collector) (*Service, error) {
	manager := NewConnectionManager(engine, collector, config.ConnectionConfig)
	s := &Service{
		manager: manager,
		handler: NewHandler(engine, manager),
	}
	if config.UseBroker {
		consumer, err := NewEventConsumer(manager, config.ConsumerConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create event consumer: %w", err)
		}
		s.consumer = consumer
	}
	return s, nil
}

// Manager exposes the connection manager, used to build the in-process
// bridge when running without a broker.
func (s *Service) Manager() *ConnectionManager {
	return s.manager
}

// Start runs the broadcast loop and, when configured, the JetStream
// consumer, until the context ends.
func (s *Service) Start(ctx context.Context) {
	go s.manager.Start(ctx)
	if s.consumer != nil {
		go func() {
			if err := s.consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("event consumer failed")
			}
		}()
	}
	log.Info().Bool("broker", s.consumer != nil).Msg("hub service started")
}

func (s *Service) Stop() {
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close event consumer")
		}
	}
	log.Info().Msg("hub service stopped")
}

func (s *Service) RegisterRoutes(r chi.Router) {
	s.handler.RegisterRoutes(r)
}
