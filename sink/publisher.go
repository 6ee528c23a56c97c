package sink

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"rntitrack/internal/ratelimit"
	"rntitrack/matching"
	"rntitrack/sample"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher delivers one encoded payload.
type Publisher interface {
	Name() string
	Publish(p Payload) error
	Close() error
}

// MQTTOptions configure the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	Port     int
	ClientID string
	Topic    string
	QoS      byte
	Retained bool
}

// MQTTPublisher publishes JSON decisions to one topic.
type MQTTPublisher struct {
	opts   MQTTOptions
	client mqtt.Client
}

// NewMQTTPublisher connects to the broker.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	if strings.TrimSpace(opts.Broker) == "" || strings.TrimSpace(opts.Topic) == "" {
		return nil, errors.New("sink: mqtt broker and topic are required")
	}
	co := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port)
	co.AddBroker(brokerURL)
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("rntitrack-sink-%d", time.Now().Unix())
	}
	co.SetClientID(clientID)
	co.SetKeepAlive(30 * time.Second)
	co.SetConnectTimeout(10 * time.Second)
	co.SetAutoReconnect(true)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("Decision sink: mqtt connection lost: %v", err)
	})
	client := mqtt.NewClient(co)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("sink: connect %s: %w", brokerURL, token.Error())
	}
	log.Printf("Decision sink: publishing to %s topic %s", brokerURL, opts.Topic)
	return &MQTTPublisher{opts: opts, client: client}, nil
}

func (m *MQTTPublisher) Name() string { return "mqtt" }

// Publish sends without waiting for the broker acknowledgement; QoS 1/2
// delivery is retried by paho.
func (m *MQTTPublisher) Publish(p Payload) error {
	body, err := EncodeJSON(p)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.opts.Topic, m.opts.QoS, m.opts.Retained, body)
	if m.opts.QoS == 0 {
		return nil
	}
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("sink: mqtt publish timed out")
	}
	return token.Error()
}

func (m *MQTTPublisher) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}

// UDPPublisher sends framed decisions to one address.
type UDPPublisher struct {
	conn *net.UDPConn
}

// NewUDPPublisher dials the destination.
func NewUDPPublisher(addr string) (*UDPPublisher, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("sink: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("sink: dial %s: %w", addr, err)
	}
	return &UDPPublisher{conn: conn}, nil
}

func (u *UDPPublisher) Name() string { return "udp" }

func (u *UDPPublisher) Publish(p Payload) error {
	frame, err := EncodeFrame(p)
	if err != nil {
		return err
	}
	_, err = u.conn.Write(frame)
	return err
}

func (u *UDPPublisher) Close() error {
	return u.conn.Close()
}

// Fanout applies epoch and change filtering before handing a decision to
// every publisher. Decisions from an epoch older than the newest one seen are
// dropped.
type Fanout struct {
	publishers  []Publisher
	onlyChanges bool

	mu        sync.Mutex
	epoch     uint64
	seen      bool
	lastState string
	lastKey   sample.Key

	stale    uint64
	errorLog ratelimit.Counter
}

// NewFanout builds a fanout over the given publishers.
func NewFanout(onlyChanges bool, publishers ...Publisher) *Fanout {
	return &Fanout{
		publishers:  publishers,
		onlyChanges: onlyChanges,
		errorLog:    ratelimit.NewCounter(10 * time.Second),
	}
}

// Len reports the number of publishers.
func (f *Fanout) Len() int { return len(f.publishers) }

// Stale returns how many decisions were dropped for an old epoch.
func (f *Fanout) Stale() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

// Publish filters and delivers one decision. It reports whether the decision
// was forwarded.
func (f *Fanout) Publish(d matching.Decision, dominant sample.Key, hasDominant bool) bool {
	f.mu.Lock()
	if f.seen && d.Epoch < f.epoch {
		f.stale++
		f.mu.Unlock()
		return false
	}
	state := d.Phase.String()
	changed := !f.seen || d.Epoch != f.epoch || state != f.lastState || d.Key != f.lastKey
	f.seen = true
	f.epoch = d.Epoch
	f.lastState = state
	f.lastKey = d.Key
	f.mu.Unlock()
	if f.onlyChanges && !changed {
		return false
	}

	p := NewPayload(d, dominant, hasDominant)
	for _, pub := range f.publishers {
		if err := pub.Publish(p); err != nil {
			if total, ok := f.errorLog.Inc(); ok {
				log.Printf("Decision sink %s: publish failed (%d errors): %v", pub.Name(), total, err)
			}
		}
	}
	return true
}

// Close closes every publisher and returns the first error.
func (f *Fanout) Close() error {
	var first error
	for _, pub := range f.publishers {
		if err := pub.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
