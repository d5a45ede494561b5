package playbridge

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 2 * time.Second

type MQTTPublish struct {
	Topic    string
	Qos      byte
	Retained bool
	Payload  interface{}
}

// StatusPublisher forwards what the reactor observed and did. Publishing
// must not block the reactor for longer than a bounded time.
type StatusPublisher interface {
	Publish(events []MQTTPublish)
}

type noopPublisher struct{}

func (noopPublisher) Publish(events []MQTTPublish) {
	for _, ev := range events {
		slog.Debug("Not publishing, MQTT disabled", "topic", ev.Topic, "payload", ev.Payload)
	}
}

type MQTTStatusPublisher struct {
	client      mqtt.Client
	topicPrefix string
}

func NewMQTTStatusPublisher(client mqtt.Client, topicPrefix string) *MQTTStatusPublisher {
	return &MQTTStatusPublisher{client: client, topicPrefix: topicPrefix}
}

func (p *MQTTStatusPublisher) Publish(events []MQTTPublish) {
	for _, ev := range events {
		topic := p.topicPrefix + ev.Topic
		token := p.client.Publish(topic, ev.Qos, ev.Retained, ev.Payload)
		if !token.WaitTimeout(publishTimeout) {
			slog.Warn("Timeout publishing to MQTT", "topic", topic)
		} else if token.Error() != nil {
			slog.Error("Error publishing to MQTT", "topic", topic, "error", token.Error())
		}
	}
}

func setupMQTTClient(config Config) (mqtt.Client, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	mqttPassword := ""
	if len(config.MQTTPasswordFile) > 0 {
		mqttPassword, err = fileToString(config.MQTTPasswordFile)
		if err != nil {
			slog.Error("Error reading MQTT password",
				"mqttPasswordFile", config.MQTTPasswordFile, "error", err)
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.MQTTBroker).
		SetUsername(config.MQTTUserName).
		SetPassword(mqttPassword).
		SetClientID("playbridge-" + host).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	slog.Info("Connecting to MQTT broker", "broker", config.MQTTBroker)

	// With connect retry the token only completes once connected, so don't
	// hold up startup on an unreachable broker.
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connection failed: %w", token.Error())
	}
	slog.Info("MQTT client started", "broker", config.MQTTBroker)
	return client, nil
}

func rendererStatusPublish(status string) MQTTPublish {
	return MQTTPublish{Topic: "playbridge/renderer/transport_state", Qos: 1, Retained: true, Payload: status}
}

func receiverPublish(variable ReceiverVariable, value string) MQTTPublish {
	topic := "playbridge/receiver/" + strings.ToLower(strings.ReplaceAll(string(variable), ":", "/"))
	return MQTTPublish{Topic: topic, Qos: 1, Retained: true, Payload: value}
}

func activationPublish(ts time.Time) MQTTPublish {
	return MQTTPublish{Topic: "playbridge/activation", Qos: 1, Retained: false, Payload: ts.Format(time.RFC3339)}
}
