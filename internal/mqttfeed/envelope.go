package mqttfeed

import (
	"encoding/json"
	"fmt"
	"math"
)

// Envelope is the JSON message shape published by Meshtastic firmware
// with JSON MQTT output enabled. Sender may be the "!hex" string form
// or the raw uint32 node number, so it stays raw until decode.
type Envelope struct {
	From      uint32          `json:"from"`
	Sender    json.RawMessage `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// PositionPayload carries integer-scaled coordinates (degrees * 1e7).
type PositionPayload struct {
	LatitudeI  int64 `json:"latitude_i"`
	LongitudeI int64 `json:"longitude_i"`
	Altitude   *int  `json:"altitude"`
}

// NodeInfoPayload carries node identity.
type NodeInfoPayload struct {
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
	HWModel   string `json:"hw_model"`
	Role      string `json:"role"`
}

// TelemetryPayload carries device and environment metrics. Pointer
// fields distinguish "absent" from zero.
type TelemetryPayload struct {
	BatteryLevel *int     `json:"battery_level"`
	Voltage      *float64 `json:"voltage"`
	ChannelUtil  *float64 `json:"channel_utilization"`
	AirUtilTX    *float64 `json:"air_util_tx"`

	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"relative_humidity"`
	Pressure    *float64 `json:"barometric_pressure"`
	IAQ         *int     `json:"iaq"`

	PM25     *int     `json:"pm25_standard"`
	PM100    *int     `json:"pm100_standard"`
	CO2      *int     `json:"co2"`
	HeartBPM *int     `json:"heart_bpm"`
	SpO2     *int     `json:"spo2"`
	BodyTemp *float64 `json:"body_temperature"`
}

// NeighborInfoPayload carries the reporting node's radio neighbors.
type NeighborInfoPayload struct {
	Neighbors []struct {
		NodeID uint32   `json:"node_id"`
		SNR    *float64 `json:"snr"`
	} `json:"neighbors"`
}

// DecodeEnvelope parses a raw MQTT payload into an Envelope.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// NodeID returns the canonical "!%08x" node id for the envelope,
// preferring the sender field over the packet source.
func (e *Envelope) NodeID() string {
	if len(e.Sender) > 0 {
		var s string
		if err := json.Unmarshal(e.Sender, &s); err == nil && s != "" {
			return s
		}
		var n uint32
		if err := json.Unmarshal(e.Sender, &n); err == nil && n != 0 {
			return CanonicalID(n)
		}
	}
	if e.From != 0 {
		return CanonicalID(e.From)
	}
	return ""
}

// CanonicalID formats a raw node number as the "!%08x" string form.
func CanonicalID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// safeFloat rejects NaN, Infinity, and out-of-range readings.
func safeFloat(v *float64, low, high float64) *float64 {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < low || *v > high {
		return nil
	}
	return v
}

// safeInt rejects out-of-range readings.
func safeInt(v *int, low, high int) *int {
	if v == nil || *v < low || *v > high {
		return nil
	}
	return v
}
