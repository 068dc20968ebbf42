// Package integration forwards device events (uplinks, downlinks, join)
// to NATS and MQTT so local consumers can react without touching the
// radio loop.
package integration

import (
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node/internal/config"
	"github.com/lorawan-node/lorawan-node/internal/mac"
)

// Event is the JSON document published for every device event.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // up | rx | join | not_confirmed
	DevEUI    string    `json:"devEUI"`
	DevAddr   string    `json:"devAddr"`
	FCnt      uint16    `json:"fCnt"`
	FPort     uint8     `json:"fPort"`
	Data      string    `json:"data,omitempty"` // base64
	Confirmed bool      `json:"confirmed"`
	RSSI      int16     `json:"rssi,omitempty"`
	SNR       float64   `json:"snr,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher owns the broker connections. Construct with New, close with
// Close; the zero value publishes nowhere.
type Publisher struct {
	devEUI string

	nc         *nats.Conn
	mqttClient mqtt.Client
	mqttCfg    config.MQTTConfig
}

// New connects the enabled brokers. A broker that cannot be reached is
// logged and skipped; event delivery is best-effort by design.
func New(cfg config.IntegrationConfig, devEUI string) *Publisher {
	p := &Publisher{devEUI: devEUI, mqttCfg: cfg.MQTT}

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects))
		if err != nil {
			log.Error().Err(err).Str("url", cfg.NATS.URL).Msg("NATS connect failed, events disabled")
		} else {
			p.nc = nc
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS publisher connected")
		}
	}

	if cfg.MQTT.Enabled {
		p.mqttClient = p.connectMQTT(cfg.MQTT)
	}

	return p
}

func (p *Publisher) connectMQTT(cfg config.MQTTConfig) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("lorawan-node-%s", p.devEUI))

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() == nil {
		return client
	}

	log.Error().Err(token.Error()).Str("broker", cfg.BrokerURL).Msg("MQTT connect failed, events disabled")
	return nil
}

// Handler adapts the publisher to the MAC core's event hook.
func (p *Publisher) Handler(devAddr func() string) func(kind string, msg mac.Message) {
	return func(kind string, msg mac.Message) {
		p.Publish(Event{
			ID:        uuid.New().String(),
			Type:      kind,
			DevEUI:    p.devEUI,
			DevAddr:   devAddr(),
			FCnt:      msg.FCnt,
			FPort:     msg.Port,
			Data:      base64.StdEncoding.EncodeToString(msg.Payload),
			Confirmed: msg.Confirmed,
			RSSI:      msg.RSSI,
			SNR:       msg.SNR,
			Timestamp: time.Now(),
		})
	}
}

// Publish sends one event to every connected broker.
func (p *Publisher) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("event encode failed")
		return
	}

	if p.nc != nil {
		subject := fmt.Sprintf("device.%s.%s", p.devEUI, ev.Type)
		if err := p.nc.Publish(subject, data); err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("NATS publish failed")
		}
	}

	if p.mqttClient != nil && p.mqttClient.IsConnected() {
		topic := fmt.Sprintf("%s/%s/%s", p.mqttCfg.TopicBase, p.devEUI, ev.Type)
		token := p.mqttClient.Publish(topic, p.mqttCfg.QoS, false, data)
		if !token.WaitTimeout(5 * time.Second) {
			log.Error().Str("topic", topic).Msg("MQTT publish timeout")
		} else if err := token.Error(); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		}
	}
}

// Close disconnects the brokers.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
	if p.mqttClient != nil && p.mqttClient.IsConnected() {
		p.mqttClient.Disconnect(250)
	}
}
