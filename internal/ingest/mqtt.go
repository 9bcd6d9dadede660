package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"homesense/internal/config"
	"homesense/internal/model"
)

const sourceMQTT = "mqtt"

// StartMQTT subscribes to the configured topic filters. Each message becomes
// a record of its own topic with the raw payload; the writer stamps the
// arrival time.
func StartMQTT(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) error {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("mqtt ingest enabled", "broker", current.Broker, "topics", current.Topics, "qos", current.QoS)
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		rec, err := recordFromMQTT(msg.Topic(), msg.Payload())
		if err != nil {
			sink.Reject(sourceMQTT, msg.Topic(), string(msg.Payload()), err)
			return
		}
		sink.Submit(ctx, Message{Source: sourceMQTT, Record: rec})
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(current.Broker)
	opts.SetClientID(current.ClientID)
	if current.Username != "" {
		opts.SetUsername(current.Username)
	}
	if current.Password != "" {
		opts.SetPassword(current.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		for _, topic := range current.Topics {
			token := c.Subscribe(topic, current.QoS, handler)
			if token.Wait() && token.Error() != nil && logger != nil {
				logger.Error("mqtt subscribe failed", "topic", topic, "err", token.Error())
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "err", err)
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", current.Broker, token.Error())
	}
	go func() {
		<-ctx.Done()
		client.Disconnect(250)
	}()
	return nil
}

func recordFromMQTT(topic string, payload []byte) (model.RawEventRecord, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return model.RawEventRecord{}, fmt.Errorf("%w: missing topic", ErrInvalidRecord)
	}
	return model.RawEventRecord{Topic: topic, Payload: string(payload)}, nil
}
