package playbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

type Config struct {
	CallbackAddress      string
	Debug                bool
	DryRun               bool
	EventWait            time.Duration
	MetricsAddress       string
	MetricsRealm         string
	MQTTBroker           string
	MQTTPasswordFile     string
	MQTTTopicPrefix      string
	MQTTUserName         string
	ReceiverAddress      string
	ReceiverInput        string
	ReceiverPort         int
	ReceiverSoundProgram string
	ReceiverVolume       *float64
	RendererUID          string
}

func (c Config) Validate() error {
	if c.ReceiverAddress == "" {
		return errors.New("receiver address is required")
	}
	if c.ReceiverPort <= 0 || c.ReceiverPort > 65535 {
		return fmt.Errorf("invalid receiver port %d", c.ReceiverPort)
	}
	if c.ReceiverInput == "" {
		return errors.New("receiver input is required")
	}
	return nil
}

func (c Config) receiverSettings() ReceiverSettings {
	return ReceiverSettings{
		Input:        c.ReceiverInput,
		Volume:       c.ReceiverVolume,
		SoundProgram: c.ReceiverSoundProgram,
	}
}

func (c Config) metricsConfig() MetricsConfig {
	return MetricsConfig{
		CollectMetrics: c.MetricsAddress != "",
		MetricsAddress: c.MetricsAddress,
		MetricsRealm:   c.MetricsRealm,
	}
}

func runPlaybridge(ctx context.Context, config Config) error {
	metricsConfig := config.metricsConfig()
	if err := initMetrics(metricsConfig); err != nil {
		slog.Error("Error initializing metrics push", "error", err)
	}

	var publisher StatusPublisher = noopPublisher{}
	if config.MQTTBroker != "" {
		client, err := setupMQTTClient(config)
		if err != nil {
			slog.Error("Error initializing MQTT client", "error", err)
			return err
		}
		defer client.Disconnect(250)
		publisher = NewMQTTStatusPublisher(client, config.MQTTTopicPrefix)
	}

	slog.Info("Discovering renderers")
	renderers, err := NewSSDPDiscoverer().Discover(ctx)
	if err != nil {
		return err
	}
	renderer, err := SelectRenderer(renderers, config.RendererUID)
	if err != nil {
		slog.Error("The number of matching renderers found was not exactly 1. "+
			"Please specify which renderer should be used by passing its UID as the first parameter.",
			"error", err)
		return err
	}
	slog.Info("Selected renderer", "name", renderer.Name, "uid", renderer.UID, "address", renderer.Address)

	receiver := NewYamahaReceiver(net.JoinHostPort(config.ReceiverAddress, strconv.Itoa(config.ReceiverPort)))
	receiver.DryRun = config.DryRun
	receiver.MetricsConfig = metricsConfig
	publisher.Publish(receiverStatus(ctx, receiver))

	notifier := NewGENANotifier(config.CallbackAddress)
	notifier.MetricsConfig = metricsConfig
	if err := notifier.Start(); err != nil {
		return err
	}

	reactor := NewReactorController(receiver, config.receiverSettings(), metricsConfig)
	return reactor.Run(ctx, notifier, renderer, publisher, config.EventWait)
}

// receiverStatus logs the receiver state at startup for the operator.
func receiverStatus(ctx context.Context, receiver ReceiverControl) []MQTTPublish {
	var events []MQTTPublish
	for _, variable := range []ReceiverVariable{ReceiverPower, ReceiverInput, ReceiverVolume, ReceiverSoundProgram} {
		value := receiver.Query(ctx, variable)
		slog.Info("Receiver status", "variable", variable, "value", value)
		if value != "" {
			events = append(events, receiverPublish(variable, value))
		}
	}
	return events
}
