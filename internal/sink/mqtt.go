// Package sink forwards coordinator updates to systems outside the process:
// an MQTT broker with Home Assistant discovery, a Kafka topic and InfluxDB.
package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/torquehook/internal/coordinator"
	"github.com/torquehook/internal/entity"
	"github.com/torquehook/internal/mqttclient"
	"github.com/torquehook/internal/torque"
)

var unsafeTopicChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ObjectID turns a unique id into a string safe for an MQTT topic level.
func ObjectID(uniqueID string) string {
	return strings.Trim(unsafeTopicChars.ReplaceAllString(strings.ToLower(uniqueID), "_"), "_")
}

// DiscoveryDevice groups every sensor of one account under one device.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
}

// DiscoveryConfig is the Home Assistant MQTT discovery payload of a sensor.
type DiscoveryConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	ObjectID          string          `json:"object_id"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	UnitOfMeasurement string          `json:"unit_of_measurement,omitempty"`
	Icon              string          `json:"icon"`
	StateClass        string          `json:"state_class,omitempty"`
	Device            DiscoveryDevice `json:"device"`
}

// MQTT publishes discovery configs and states of sensors.
type MQTT struct {
	pub             mqttclient.Publisher
	discoveryPrefix string
	statePrefix     string
	logger          *slog.Logger

	mu        sync.Mutex
	announced map[string]entity.State
}

func NewMQTT(pub mqttclient.Publisher, discoveryPrefix, statePrefix string, logger *slog.Logger) *MQTT {
	return &MQTT{
		pub:             pub,
		discoveryPrefix: discoveryPrefix,
		statePrefix:     statePrefix,
		logger:          logger.With("component", "sink.mqtt"),
		announced:       make(map[string]entity.State),
	}
}

// AvailabilityTopic is where "online"/"offline" for the whole service goes.
// It is also the last will topic of the connection.
func AvailabilityTopic(statePrefix string) string {
	return statePrefix + "/status"
}

func (m *MQTT) AvailabilityTopic() string {
	return AvailabilityTopic(m.statePrefix)
}

// StatusTopic is where Home Assistant announces its own restarts.
func (m *MQTT) StatusTopic() string {
	return m.discoveryPrefix + "/status"
}

func (m *MQTT) StateTopic(st entity.State) string {
	return fmt.Sprintf("%s/%s/%s/state", m.statePrefix, ObjectID(st.AccountID), ObjectID(st.UniqueID))
}

func (m *MQTT) ConfigTopic(st entity.State) string {
	return fmt.Sprintf("%s/sensor/%s/config", m.discoveryPrefix, ObjectID(st.UniqueID))
}

func (m *MQTT) discovery(st entity.State) DiscoveryConfig {
	cfg := DiscoveryConfig{
		Name:              st.Name,
		UniqueID:          st.UniqueID,
		ObjectID:          ObjectID(st.UniqueID),
		StateTopic:        m.StateTopic(st),
		AvailabilityTopic: m.AvailabilityTopic(),
		UnitOfMeasurement: st.Unit,
		Icon:              st.Icon,
		Device: DiscoveryDevice{
			Identifiers:  []string{"torque_" + ObjectID(st.AccountID)},
			Name:         "Torque " + st.AccountID,
			Manufacturer: "Torque",
			Model:        st.Profile,
		},
	}
	if st.Unit != "" {
		cfg.StateClass = "measurement"
	}
	return cfg
}

func (m *MQTT) announce(st entity.State) error {
	payload, err := json.Marshal(m.discovery(st))
	if err != nil {
		return err
	}
	return m.pub.Publish(m.ConfigTopic(st), payload, 1, true)
}

// Listener publishes every sensor of u, announcing sensors the broker has not
// seen yet first.
func (m *MQTT) Listener(u coordinator.Update) {
	for _, st := range u.Sensors {
		m.mu.Lock()
		_, known := m.announced[st.UniqueID]
		m.announced[st.UniqueID] = st
		m.mu.Unlock()

		if !known {
			if err := m.announce(st); err != nil {
				m.logger.Error("failed to publish discovery config", "unique_id", st.UniqueID, "error", err)
			}
		}
		if !st.HasValue {
			continue
		}
		if err := m.pub.Publish(m.StateTopic(st), []byte(st.Value), 0, true); err != nil {
			m.logger.Error("failed to publish state", "unique_id", st.UniqueID, "error", err)
		}
	}
}

// Reannounce publishes the discovery config of every known sensor again.
func (m *MQTT) Reannounce() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.announced))
	for id := range m.announced {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	states := make([]entity.State, len(ids))
	for i, id := range ids {
		states[i] = m.announced[id]
	}
	m.mu.Unlock()

	for _, st := range states {
		if err := m.announce(st); err != nil {
			m.logger.Error("failed to republish discovery config", "unique_id", st.UniqueID, "error", err)
		}
	}
	return len(states)
}

// Seed marks restored sensors as known so they are announced on the next
// Reannounce without waiting for an upload.
func (m *MQTT) Seed(states []entity.State) {
	m.mu.Lock()
	for _, st := range states {
		if _, ok := m.announced[st.UniqueID]; !ok {
			m.announced[st.UniqueID] = st
		}
	}
	m.mu.Unlock()
}

// HandleStatus reacts to Home Assistant's birth message.
func (m *MQTT) HandleStatus(_ mqtt.Client, msg mqtt.Message) {
	if strings.TrimSpace(string(msg.Payload())) != "online" {
		return
	}
	n := m.Reannounce()
	m.logger.Info("home assistant came online, discovery republished", "sensors", n)
}

// SetOnline publishes the service availability.
func (m *MQTT) SetOnline(online bool) error {
	payload := "offline"
	if online {
		payload = "online"
	}
	return m.pub.Publish(m.AvailabilityTopic(), []byte(payload), 1, true)
}

func numeric(st entity.State) (float64, bool) {
	if !st.HasValue {
		return 0, false
	}
	return torque.ParseNumber(st.Value)
}
