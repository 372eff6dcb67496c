package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/button"
	"github.com/dokzlo13/milightd/internal/config"
	"github.com/dokzlo13/milightd/internal/db"
	"github.com/dokzlo13/milightd/internal/gpio"
	"github.com/dokzlo13/milightd/internal/hub"
	"github.com/dokzlo13/milightd/internal/mqtt"
	"github.com/dokzlo13/milightd/internal/radio"
	"github.com/dokzlo13/milightd/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg        *config.Config
	configPath string

	// Core infrastructure, kept across hub rebuilds
	DB          *db.DB
	Rows        *storage.GroupStates
	MQTT        *mqtt.Client
	Buttons     *gpio.Buttons
	Transceiver radio.Transceiver
	bridge      *radio.ChannelTransceiver

	// Owning context of the bridge, replaced on rebuild
	Hub    *hub.Hub
	Health *HealthService

	restart chan string
	done    chan struct{}
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config, configPath string) (*Services, error) {
	s := &Services{
		cfg:        cfg,
		configPath: configPath,
		restart:    make(chan string, 1),
		done:       make(chan struct{}),
	}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database
	s.Rows = storage.NewGroupStates(database.DB)

	s.MQTT = mqtt.New(mqtt.Options{
		Broker:       cfg.MQTT.Broker,
		ClientID:     cfg.MQTT.ClientID,
		Username:     cfg.MQTT.Username,
		Password:     cfg.MQTT.Password,
		QoS:          cfg.MQTT.QoS,
		StatusTopic:  cfg.MQTT.ClientStatusTopic,
		SimpleStatus: cfg.MQTT.SimpleClientStatus,
		Version:      Version,
		Timeout:      cfg.ShutdownTimeout.Duration(),
	})

	switch cfg.Radio.Driver {
	case config.RadioDriverMQTT:
		txTopic := cfg.MQTT.OutPrefix + cfg.Radio.TxTopic
		s.bridge = radio.NewChannelTransceiver(func(p radio.Packet) error {
			payload, err := radio.EncodePacket(p)
			if err != nil {
				return err
			}
			return s.MQTT.Publish(txTopic, payload, false)
		}, 64)
		s.Transceiver = s.bridge
	default:
		s.Transceiver = radio.LogTransceiver{}
	}

	if len(cfg.Buttons.Pins) > 0 {
		s.Buttons, err = gpio.Open(cfg.Buttons.Chip, cfg.Buttons.Pins)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	snap, err := cfg.Snapshot()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Hub, err = s.buildHub(snap)
	if err != nil {
		s.Close()
		return nil, err
	}

	// Initialize health service
	s.Health = NewHealthService(cfg, s.MQTT.IsConnected)

	return s, nil
}

func (s *Services) buildHub(snap config.Snapshot) (*hub.Hub, error) {
	var sources []button.LevelSource
	if s.Buttons != nil {
		for _, l := range s.Buttons.Lines() {
			sources = append(sources, l)
		}
	}

	return hub.New(snap, hub.Deps{
		Sink:        s.MQTT,
		Transceiver: s.Transceiver,
		Rows:        s.Rows,
		Buttons:     sources,
		OnRestart:   func() { s.RequestRestart("button") },
	})
}

// Start connects to the broker and starts the scheduler loop.
// The onFatalError callback is called when the loop cannot continue.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if err := s.MQTT.Connect(ctx); err != nil {
		return fmt.Errorf("connect to MQTT broker: %w", err)
	}
	if err := s.subscribe(); err != nil {
		return err
	}

	s.Health.Start(ctx)
	go s.run(ctx, onFatalError)

	return nil
}

func (s *Services) subscribe() error {
	if err := s.MQTT.Subscribe(s.Hub.CommandSubscription()); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	if s.bridge != nil {
		if err := s.MQTT.Subscribe(s.rxTopic()); err != nil {
			return fmt.Errorf("subscribe to radio bridge: %w", err)
		}
	}
	return nil
}

func (s *Services) rxTopic() string {
	return s.cfg.MQTT.InPrefix + s.cfg.Radio.RxTopic
}

// RequestRestart asks the loop to rebuild the hub. It never blocks.
func (s *Services) RequestRestart(reason string) {
	select {
	case s.restart <- reason:
	default:
	}
}

// run is the single goroutine that owns the hub.
func (s *Services) run(ctx context.Context, onFatalError func(error)) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			onFatalError(fmt.Errorf("scheduler loop panic: %v", r))
		}
	}()

	ticker := time.NewTicker(s.cfg.TickInterval.Duration())
	defer ticker.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var autoRestart <-chan time.Time
	if period := s.cfg.AutoRestartPeriod.Duration(); period > 0 {
		t := time.NewTicker(period)
		defer t.Stop()
		autoRestart = t.C
	}

	log.Info().Dur("tick", s.cfg.TickInterval.Duration()).Msg("Scheduler loop started")

	for {
		select {
		case <-ctx.Done():
			if err := s.Hub.Quiesce(); err != nil {
				log.Error().Err(err).Msg("Failed to quiesce hub on shutdown")
			}
			s.Hub.Close()
			log.Info().Msg("Scheduler loop stopped")
			return

		case msg := <-s.MQTT.Messages():
			s.handleMessage(msg)

		case <-ticker.C:
			s.Hub.Tick()

		case <-hup:
			s.rebuild("SIGHUP")

		case reason := <-s.restart:
			s.rebuild(reason)

		case <-autoRestart:
			s.rebuild("auto restart period")
		}
	}
}

func (s *Services) handleMessage(msg mqtt.Message) {
	if s.bridge != nil && msg.Topic == s.rxTopic() {
		p, err := radio.DecodePacket(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping malformed radio packet")
			return
		}
		if !s.bridge.Inject(p) {
			log.Warn().Str("group", p.ID.String()).Msg("Radio receive buffer full, dropping packet")
		}
		return
	}
	s.Hub.HandleCommand(msg.Topic, msg.Payload)
}

// rebuild reloads the configuration and replaces the hub. The old hub
// finishes its pending work first and keeps running if the new one cannot
// be built.
func (s *Services) rebuild(reason string) {
	log.Info().Str("reason", reason).Str("config", s.configPath).Msg("Rebuilding hub")

	cfg := s.cfg
	if s.configPath != "" {
		loaded, err := config.Load(s.configPath)
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration, keeping current hub")
			return
		}
		cfg = loaded
	}
	snap, err := cfg.Snapshot()
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration, keeping current hub")
		return
	}

	if err := s.Hub.Quiesce(); err != nil {
		log.Warn().Err(err).Msg("Failed to quiesce hub before rebuild")
	}

	next, err := s.buildHub(snap)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build hub, keeping current hub")
		return
	}

	oldSub := s.Hub.CommandSubscription()
	s.Hub.Close()
	s.Hub = next
	s.cfg = cfg

	if next.CommandSubscription() != oldSub {
		if err := s.MQTT.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("Failed to drop old subscriptions")
		}
		if err := s.subscribe(); err != nil {
			log.Error().Err(err).Msg("Failed to subscribe after rebuild")
		}
	}
	log.Info().Msg("Hub rebuilt")
}

// ErrStopTimeout is returned by Stop when the loop outlives the shutdown timeout.
var ErrStopTimeout = errors.New("scheduler loop did not stop in time")

// Stop waits for the loop to finish, then releases all resources.
func (s *Services) Stop() error {
	var err error
	select {
	case <-s.done:
	case <-time.After(s.cfg.ShutdownTimeout.Duration()):
		err = ErrStopTimeout
	}
	s.Close()
	return err
}

// Close releases all resources.
func (s *Services) Close() {
	if s.MQTT != nil {
		s.MQTT.Disconnect()
	}
	if s.Buttons != nil {
		if err := s.Buttons.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release GPIO lines")
		}
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
