// Package mqttfeed subscribes to a Meshtastic MQTT broker and feeds
// decoded node updates into the mesh store and the event bus.
package mqttfeed

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshforge/maps/internal/bus"
	"github.com/meshforge/maps/internal/meshstore"
	"github.com/meshforge/maps/internal/model"
)

const (
	// DefaultBroker is the public Meshtastic broker.
	DefaultBroker = "mqtt.meshtastic.org"
	DefaultPort   = 1883
	DefaultTopic  = "msh/#"

	// MaxPayloadSize rejects oversized payloads before decoding.
	MaxPayloadSize = 65536
)

// Config configures the feed. TLS defaults to on when credentials are
// set, so passwords never travel in the clear by accident.
type Config struct {
	Broker   string
	Port     int
	Topic    string
	Username string
	Password string
	TLS      *bool
}

func (c *Config) fillDefaults() {
	if c.Broker == "" {
		c.Broker = DefaultBroker
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
}

func (c *Config) useTLS() bool {
	if c.TLS != nil {
		return *c.TLS
	}
	return c.Username != ""
}

// Stats is a snapshot of the feed for status reporting.
type Stats struct {
	Broker           string `json:"broker"`
	Port             int    `json:"port"`
	Topic            string `json:"topic"`
	Connected        bool   `json:"connected"`
	Running          bool   `json:"running"`
	HasCredentials   bool   `json:"has_credentials"`
	MessagesReceived uint64 `json:"messages_received"`
	ParseErrors      uint64 `json:"parse_errors"`
	NodeCount        int    `json:"node_count"`
}

// Feed is a live MQTT subscriber feeding the mesh store.
type Feed struct {
	cfg    Config
	store  *meshstore.Store
	events *bus.Bus

	mu      sync.Mutex
	client  mqtt.Client
	running bool

	connected        atomic.Bool
	messagesReceived atomic.Uint64
	parseErrors      atomic.Uint64
}

// New creates a feed over the given store and bus.
func New(cfg Config, store *meshstore.Store, events *bus.Bus) *Feed {
	cfg.fillDefaults()
	return &Feed{cfg: cfg, store: store, events: events}
}

// Store returns the backing node store.
func (f *Feed) Store() *meshstore.Store { return f.store }

// Start connects to the broker in the background. paho handles
// reconnection with its own backoff; Start never blocks on the broker.
func (f *Feed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if f.cfg.useTLS() {
		scheme = "ssl"
	}
	opts.AddBroker(scheme + "://" + f.cfg.Broker + ":" + strconv.Itoa(f.cfg.Port))
	opts.SetClientID(clientID())
	if f.cfg.Username != "" {
		opts.SetUsername(f.cfg.Username)
		opts.SetPassword(f.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		f.connected.Store(true)
		log.Printf("[mqttfeed] connected to %s, store has %d nodes", f.cfg.Broker, f.store.NodeCount())
		if token := c.Subscribe(f.cfg.Topic, 0, f.onMessage); token.Wait() && token.Error() != nil {
			log.Printf("[mqttfeed] subscribe %s failed: %v", f.cfg.Topic, token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		f.connected.Store(false)
		log.Printf("[mqttfeed] connection lost: %v", err)
	})

	f.client = mqtt.NewClient(opts)
	f.running = true
	// Connect in the background; SetConnectRetry keeps trying.
	go func() {
		if token := f.client.Connect(); token.Wait() && token.Error() != nil {
			log.Printf("[mqttfeed] initial connect failed: %v", token.Error())
		}
	}()
	log.Printf("[mqttfeed] starting: %s:%d topic=%s", f.cfg.Broker, f.cfg.Port, f.cfg.Topic)
	return nil
}

// Stop disconnects from the broker.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	if f.client != nil {
		f.client.Disconnect(250)
		f.client = nil
	}
	f.connected.Store(false)
	log.Printf("[mqttfeed] stopped")
}

// Stats returns a snapshot for status reporting.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	running := f.running
	f.mu.Unlock()
	return Stats{
		Broker:           f.cfg.Broker,
		Port:             f.cfg.Port,
		Topic:            f.cfg.Topic,
		Connected:        f.connected.Load(),
		Running:          running,
		HasCredentials:   f.cfg.Username != "",
		MessagesReceived: f.messagesReceived.Load(),
		ParseErrors:      f.parseErrors.Load(),
		NodeCount:        f.store.NodeCount(),
	}
}

// Connected reports whether the broker session is up.
func (f *Feed) Connected() bool { return f.connected.Load() }

func (f *Feed) onMessage(_ mqtt.Client, msg mqtt.Message) {
	f.HandlePayload(msg.Payload())
}

// HandlePayload decodes one raw MQTT payload and applies it to the
// store. Split from onMessage so tests can drive it directly.
func (f *Feed) HandlePayload(payload []byte) {
	if len(payload) > MaxPayloadSize {
		log.Printf("[mqttfeed] rejected oversized payload (%d bytes)", len(payload))
		return
	}
	f.messagesReceived.Add(1)

	env, err := DecodeEnvelope(payload)
	if err != nil {
		// Protobuf-only messages are common on the public broker;
		// count them and move on.
		f.countParseError()
		return
	}
	nodeID := env.NodeID()
	if nodeID == "" {
		f.countParseError()
		return
	}

	switch env.Type {
	case "position":
		f.applyPosition(nodeID, env)
	case "nodeinfo":
		f.applyNodeInfo(nodeID, env)
	case "telemetry":
		f.applyTelemetry(nodeID, env)
	case "neighborinfo":
		f.applyNeighborInfo(nodeID, env)
	}
}

func (f *Feed) applyPosition(nodeID string, env *Envelope) {
	var p PositionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		f.countParseError()
		return
	}
	if p.LatitudeI == 0 || p.LongitudeI == 0 {
		return
	}
	lat, lon, ok := model.ValidateCoordinates(float64(p.LatitudeI), float64(p.LongitudeI), true)
	if !ok {
		return
	}
	alt := safeInt(p.Altitude, -500, 100000)
	f.store.UpdatePosition(nodeID, lat, lon, alt, env.Timestamp)
	f.publish(bus.EventNodePosition, map[string]any{
		"node_id": nodeID,
		"lat":     lat,
		"lon":     lon,
	})
}

func (f *Feed) applyNodeInfo(nodeID string, env *Envelope) {
	var p NodeInfoPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		f.countParseError()
		return
	}
	f.store.UpdateNodeInfo(nodeID, p.LongName, p.ShortName, p.HWModel, p.Role)
	f.publish(bus.EventNodeInfo, map[string]any{
		"node_id":    nodeID,
		"long_name":  p.LongName,
		"short_name": p.ShortName,
	})
}

func (f *Feed) applyTelemetry(nodeID string, env *Envelope) {
	var p TelemetryPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		f.countParseError()
		return
	}

	t := meshstore.Telemetry{
		Battery:     safeInt(p.BatteryLevel, 0, 100),
		Voltage:     safeFloat(p.Voltage, 0, 100),
		ChannelUtil: safeFloat(p.ChannelUtil, 0, 100),
		AirUtilTX:   safeFloat(p.AirUtilTX, 0, 100),
		Temperature: safeFloat(p.Temperature, -100, 200),
		Humidity:    safeFloat(p.Humidity, 0, 100),
		Pressure:    safeFloat(p.Pressure, 0, 2000),
		IAQ:         safeInt(p.IAQ, 0, 500),
	}
	extra := make(map[string]any)
	if v := safeInt(p.PM25, 0, 10000); v != nil {
		extra["pm25_standard"] = *v
	}
	if v := safeInt(p.PM100, 0, 10000); v != nil {
		extra["pm100_standard"] = *v
	}
	if v := safeInt(p.CO2, 0, 40000); v != nil {
		extra["co2"] = *v
	}
	if v := safeInt(p.HeartBPM, 0, 300); v != nil {
		extra["heart_bpm"] = *v
	}
	if v := safeInt(p.SpO2, 0, 100); v != nil {
		extra["spo2"] = *v
	}
	if v := safeFloat(p.BodyTemp, 20, 50); v != nil {
		extra["body_temperature"] = *v
	}
	if len(extra) > 0 {
		t.Extra = extra
	}

	f.store.UpdateTelemetry(nodeID, t)
	f.publish(bus.EventNodeTelemetry, map[string]any{"node_id": nodeID})
}

func (f *Feed) applyNeighborInfo(nodeID string, env *Envelope) {
	var p NeighborInfoPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		f.countParseError()
		return
	}
	neighbors := make([]meshstore.Neighbor, 0, len(p.Neighbors))
	for _, n := range p.Neighbors {
		neighbors = append(neighbors, meshstore.Neighbor{
			NodeID: CanonicalID(n.NodeID),
			SNR:    n.SNR,
		})
	}
	f.store.UpdateNeighbors(nodeID, neighbors)
	f.publish(bus.EventNodeTopology, map[string]any{
		"node_id":        nodeID,
		"neighbor_count": len(neighbors),
	})
}

func (f *Feed) publish(eventType string, data map[string]any) {
	if f.events == nil {
		return
	}
	if err := f.events.Publish(eventType, "mqtt", data); err != nil {
		log.Printf("[mqttfeed] publish %s: %v", eventType, err)
	}
}

func (f *Feed) countParseError() {
	n := f.parseErrors.Add(1)
	if n%1000 == 0 {
		log.Printf("[mqttfeed] %d total unparseable messages dropped", n)
	}
}

func clientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "meshforge_" + hex.EncodeToString(b)
}
