package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var errMQTTClosed = errors.New("mqtt connection closed")

// MQTTDialer reaches the device through a broker. Telemetry arrives on
// TelemetryTopic and commands are published to CommandTopic.
type MQTTDialer struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TelemetryTopic string
	CommandTopic   string
	QoS            byte
	MaxRetries     int
}

func (d MQTTDialer) options(broker string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(d.ClientID)
	if d.Username != "" {
		opts.SetUsername(d.Username)
		opts.SetPassword(d.Password)
	}
	opts.SetCleanSession(true)
	// the adapter owns reconnects
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(5 * time.Second)
	return opts
}

// Dial connects to address, or to Broker when address is empty, and
// subscribes to the telemetry topic.
func (d MQTTDialer) Dial(ctx context.Context, address string) (Conn, error) {
	broker := address
	if broker == "" {
		broker = d.Broker
	}
	conn := &mqttConn{
		frames:  make(chan []byte, 64),
		done:    make(chan struct{}),
		topic:   d.CommandTopic,
		qos:     d.QoS,
		lostErr: errMQTTClosed,
	}
	opts := d.options(broker)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		conn.fail(err)
	})

	retries := d.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection to %s: %w", broker, err)
	}
	conn.client = client

	token := client.Subscribe(d.TelemetryTopic, d.QoS, func(_ mqtt.Client, m mqtt.Message) {
		select {
		case conn.frames <- m.Payload():
		case <-conn.done:
		}
	})
	if token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s: %w", d.TelemetryTopic, token.Error())
	}
	return conn, nil
}

type mqttConn struct {
	client mqtt.Client
	frames chan []byte
	done   chan struct{}
	topic  string
	qos    byte

	once    sync.Once
	lostErr error
}

func (c *mqttConn) fail(err error) {
	c.once.Do(func() {
		if err != nil {
			c.lostErr = err
		}
		close(c.done)
	})
}

func (c *mqttConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case <-c.done:
		return nil, c.lostErr
	}
}

func (c *mqttConn) WriteMessage(data []byte) error {
	token := c.client.Publish(c.topic, c.qos, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", c.topic)
	}
	return token.Error()
}

func (c *mqttConn) Close() error {
	c.fail(nil)
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}
