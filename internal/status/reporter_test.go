package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gnss-bridge/internal/gps"
)

type recordingPublisher struct {
	mu       sync.Mutex
	name     string
	payloads [][]byte
	err      error
	closed   int
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return p.err
}

func fixAt(lat, lon float64) *gps.Fix {
	return &gps.Fix{
		Time:       time.Date(2025, 3, 23, 12, 0, 0, 0, time.UTC),
		Lat:        &lat,
		Lon:        &lon,
		Quality:    gps.QualityRTKFixed,
		Satellites: 14,
	}
}

func TestTickWithoutFix(t *testing.T) {
	pub := &recordingPublisher{name: "rec"}
	r := New(Config{}, Sources{Clients: func() int { return 2 }}, nil, pub)

	rep := r.Tick(context.Background())
	assert.False(t, rep.HasFix)
	assert.Nil(t, rep.Lat)
	assert.Equal(t, 2, rep.Clients)
	assert.Equal(t, "No Fix", rep.QualityLabel)
	require.Len(t, pub.payloads, 1)
}

func TestTickReportsDriftBetweenFixes(t *testing.T) {
	var cur *gps.Fix
	pub := &recordingPublisher{name: "rec"}
	r := New(Config{}, Sources{
		Latest:  func() *gps.Fix { return cur },
		NTRIP:   func() string { return "streaming" },
		Pending: func() int { return 3 },
	}, nil, pub)
	r.Now = func() time.Time { return time.Date(2025, 3, 23, 12, 0, 15, 0, time.UTC) }

	cur = fixAt(48.0, 11.0)
	first := r.Tick(context.Background())
	require.True(t, first.HasFix)
	assert.Nil(t, first.DriftM, "no drift on the first fix")
	assert.Equal(t, "RTK Fix", first.QualityLabel)
	assert.Equal(t, 14, first.Satellites)

	cur = fixAt(48.001, 11.0)
	second := r.Tick(context.Background())
	require.NotNil(t, second.DriftM)
	assert.InDelta(t, 111.2, *second.DriftM, 1.0)

	require.Len(t, pub.payloads, 2)
	var decoded Report
	require.NoError(t, json.Unmarshal(pub.payloads[1], &decoded))
	assert.Equal(t, "streaming", decoded.NTRIP)
	assert.Equal(t, 3, decoded.Pending)
	assert.Equal(t, "2025-03-23T12:00:15Z", decoded.TimeUTC)
	require.NotNil(t, decoded.Lat)
	assert.InDelta(t, 48.001, *decoded.Lat, 1e-9)
}

func TestTickSurvivesPublisherFailure(t *testing.T) {
	bad := &recordingPublisher{name: "bad", err: errors.New("broker down")}
	good := &recordingPublisher{name: "good"}
	r := New(Config{}, Sources{}, nil, bad, good)

	r.Tick(context.Background())
	assert.Len(t, bad.payloads, 1)
	assert.Len(t, good.payloads, 1)

	err := r.Close()
	require.Error(t, err)
	assert.Equal(t, 1, bad.closed)
	assert.Equal(t, 1, good.closed)
}

func TestRunTicksOnInterval(t *testing.T) {
	pub := &recordingPublisher{name: "rec"}
	r := New(Config{Interval: 10 * time.Millisecond}, Sources{}, nil, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.payloads) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type doneToken struct{ err error }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeMQTT struct {
	mqtt.Client
	topic        string
	qos          byte
	retained     bool
	payload      []byte
	disconnected bool
}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic, c.qos, c.retained = topic, qos, retained
	c.payload = payload.([]byte)
	return doneToken{}
}

func (c *fakeMQTT) Disconnect(uint) { c.disconnected = true }

func TestMQTTPublisher(t *testing.T) {
	c := &fakeMQTT{}
	p := NewMQTTPublisher(c, MQTTConfig{Topic: "gnss-bridge/fix", QoS: 1, Retain: true})

	require.NoError(t, p.Publish(context.Background(), []byte(`{"has_fix":false}`)))
	assert.Equal(t, "gnss-bridge/fix", c.topic)
	assert.Equal(t, byte(1), c.qos)
	assert.True(t, c.retained)
	assert.JSONEq(t, `{"has_fix":false}`, string(c.payload))

	require.NoError(t, p.Close())
	assert.True(t, c.disconnected)
}

type fakeRedis struct {
	redis.Cmdable
	sets      map[string]any
	ttl       time.Duration
	published map[string]any
	setErr    error
}

func (r *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	if r.setErr != nil {
		return redis.NewStatusResult("", r.setErr)
	}
	r.sets[key] = value
	r.ttl = ttl
	return redis.NewStatusResult("OK", nil)
}

func (r *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	r.published[channel] = message
	return redis.NewIntResult(1, nil)
}

func TestRedisPublisherSetsAndPublishes(t *testing.T) {
	rdb := &fakeRedis{sets: map[string]any{}, published: map[string]any{}}
	p := NewRedisPublisher(rdb, RedisConfig{Key: "gnss-bridge:fix", Channel: "fixes", TTL: time.Minute})

	require.NoError(t, p.Publish(context.Background(), []byte("{}")))
	assert.Equal(t, []byte("{}"), rdb.sets["gnss-bridge:fix"])
	assert.Equal(t, time.Minute, rdb.ttl)
	assert.Equal(t, []byte("{}"), rdb.published["fixes"])
	assert.NoError(t, p.Close())
}

func TestRedisPublisherStillPublishesWhenSetFails(t *testing.T) {
	rdb := &fakeRedis{sets: map[string]any{}, published: map[string]any{}, setErr: errors.New("READONLY")}
	p := NewRedisPublisher(rdb, RedisConfig{Key: "k", Channel: "c"})

	err := p.Publish(context.Background(), []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set k")
	assert.Contains(t, rdb.published, "c")
}
