package status

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool
}

// MQTTPublisher publishes each report to one topic.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	retain bool
}

// DialMQTT connects to the broker. The client reconnects on its own after
// the first successful connect.
func DialMQTT(cfg MQTTConfig, timeout time.Duration) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return NewMQTTPublisher(client, cfg), nil
}

func NewMQTTPublisher(client mqtt.Client, cfg MQTTConfig) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: cfg.Topic, qos: cfg.QoS, retain: cfg.Retain}
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

func (p *MQTTPublisher) Publish(ctx context.Context, payload []byte) error {
	tok := p.client.Publish(p.topic, p.qos, p.retain, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

type RedisConfig struct {
	URL     string
	Key     string
	Channel string
	TTL     time.Duration
}

// RedisPublisher stores the latest report under Key and announces it on
// Channel. Either may be empty.
type RedisPublisher struct {
	rdb     redis.Cmdable
	closer  func() error
	key     string
	channel string
	ttl     time.Duration
}

// DialRedis parses the URL and pings the server.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	p := NewRedisPublisher(client, cfg)
	p.closer = client.Close
	return p, nil
}

func NewRedisPublisher(rdb redis.Cmdable, cfg RedisConfig) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, key: cfg.Key, channel: cfg.Channel, ttl: cfg.TTL}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, payload []byte) error {
	var errs error
	if p.key != "" {
		if err := p.rdb.Set(ctx, p.key, payload, p.ttl).Err(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("set %s: %w", p.key, err))
		}
	}
	if p.channel != "" {
		if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish %s: %w", p.channel, err))
		}
	}
	return errs
}

func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
