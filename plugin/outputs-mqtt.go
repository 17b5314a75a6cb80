package plugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	Tt "github.com/maroda/tessitura/types"
)

// Publisher sends one payload to one topic
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close() error
}

// AlarmPayload is published on every alarm level change
type AlarmPayload struct {
	Parameter string  `json:"parameter"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// MQTTOutput publishes alarm transitions, not samples
type MQTTOutput struct {
	MU          sync.Mutex
	Pub         Publisher
	TopicPrefix string
	levels      map[string]Tt.AlarmLevel
}

func NewMQTTOutput(pub Publisher, prefix string) *MQTTOutput {
	return &MQTTOutput{
		Pub:         pub,
		TopicPrefix: prefix,
		levels:      make(map[string]Tt.AlarmLevel),
	}
}

// AlarmTopic is <prefix>/<id>/alarm
func (mo *MQTTOutput) AlarmTopic(id string) string {
	return fmt.Sprintf("%s/%s/alarm", mo.TopicPrefix, id)
}

// WriteSample publishes when the alarm level of the parameter changed.
// The first sample of a parameter counts as a change from nominal.
func (mo *MQTTOutput) WriteSample(ev *Tt.SampleEvent) error {
	mo.MU.Lock()
	prev, seen := mo.levels[ev.Parameter]
	mo.levels[ev.Parameter] = ev.Alarm
	mo.MU.Unlock()

	if !seen {
		prev = Tt.Nominal
	}
	if prev == ev.Alarm {
		return nil
	}

	payload, err := json.Marshal(AlarmPayload{
		Parameter: ev.Parameter,
		From:      prev.String(),
		To:        ev.Alarm.String(),
		Value:     ev.Filtered,
		Timestamp: ev.Wall.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	if err := mo.Pub.Publish(mo.AlarmTopic(ev.Parameter), payload); err != nil {
		slog.Warn("Alarm publish failed", slog.String("parameter", ev.Parameter), slog.Any("Error", err))
		return err
	}
	return nil
}

func (mo *MQTTOutput) WriteBatch(evs []*Tt.SampleEvent) error {
	for _, ev := range evs {
		if err := mo.WriteSample(ev); err != nil {
			return err
		}
	}
	return nil
}

// Flush has nothing to do, publishes are not buffered
func (mo *MQTTOutput) Flush() error { return nil }

func (mo *MQTTOutput) Close() error { return mo.Pub.Close() }

func (mo *MQTTOutput) Type() string { return "MQTT" }

////////// PAHO

// PahoPublisher publishes to a real broker at QoS 0, not retained
type PahoPublisher struct {
	client paho.Client
}

func NewPahoPublisher(broker string) (*PahoPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("tessitura-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	slog.Info("MQTT publisher connected", slog.String("broker", broker))
	return &PahoPublisher{client: client}, nil
}

func (p *PahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *PahoPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

////////// FAKE

// FakePublisher records what was published, for tests
type FakePublisher struct {
	MU           sync.Mutex
	Topics       []string
	Payloads     [][]byte
	PublishError error
	Closed       bool
}

func (f *FakePublisher) Publish(topic string, payload []byte) error {
	f.MU.Lock()
	defer f.MU.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Topics = append(f.Topics, topic)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

func (f *FakePublisher) Close() error {
	f.MU.Lock()
	defer f.MU.Unlock()
	f.Closed = true
	return nil
}
