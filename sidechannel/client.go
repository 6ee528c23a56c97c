// Package sidechannel subscribes to the tracked device's own uplink reports
// and to session control signals over MQTT.
//
// Topics (configurable):
//
//	rntitrack/reference  {"timestamp_ms", "ul_bytes"}
//	rntitrack/control    {"event":"cell_changed","cell_id":N} | {"event":"device_disconnected"}
//
// Messages are decoded on the paho callback goroutine and handed to buffered
// channels with non-blocking sends; a full queue drops and counts.
package sidechannel

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"rntitrack/internal/ratelimit"
	"rntitrack/sample"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultQueueSize      = 1024
	defaultControlQueue   = 16
	defaultMaxPayloadSize = 4096

	// FeedName labels this feed in counters.
	FeedName = "reference"
)

// Counters receives feed-level error counts. *stats.Tracker implements it.
type Counters interface {
	IncParseErrors(feed string)
	IncDrops(feed string)
}

// Options configure a Client.
type Options struct {
	Broker         string
	Port           int
	ClientID       string
	Topic          string
	ControlTopic   string
	QoS            byte
	MaxPayloadSize int
	QueueSize      int
	Counters       Counters
}

// HealthSnapshot captures client state for the health monitor.
type HealthSnapshot struct {
	Connected       bool
	LastMessageAt   time.Time
	LastSampleAt    time.Time
	LastParseErrAt  time.Time
	QueueLen        int
	QueueCap        int
	Drops           uint64
	PayloadTooLarge uint64
	ParseErrors     uint64
	Controls        uint64
}

// Client is an MQTT subscriber for the reference and control topics.
type Client struct {
	opts     Options
	client   mqtt.Client
	refs     chan sample.ReferenceSample
	controls chan Control

	lastMessageAt   atomic.Int64
	lastSampleAt    atomic.Int64
	lastParseErrAt  atomic.Int64
	drops           atomic.Uint64
	payloadTooLarge atomic.Uint64
	parseErrors     atomic.Uint64
	controlCount    atomic.Uint64

	parseErrLog ratelimit.Counter
	dropLog     ratelimit.Counter
}

// NewClient creates a side-channel client. Call Connect to start receiving.
func NewClient(opts Options) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = defaultMaxPayloadSize
	}
	if opts.QoS > 2 {
		opts.QoS = 1
	}
	return &Client{
		opts:        opts,
		refs:        make(chan sample.ReferenceSample, opts.QueueSize),
		controls:    make(chan Control, defaultControlQueue),
		parseErrLog: ratelimit.NewCounter(10 * time.Second),
		dropLog:     ratelimit.NewCounter(10 * time.Second),
	}
}

// References returns decoded reference samples.
func (c *Client) References() <-chan sample.ReferenceSample {
	return c.refs
}

// Controls returns decoded control signals.
func (c *Client) Controls() <-chan Control {
	return c.controls
}

// Connect establishes the broker connection. Subscriptions are (re)made in
// the connect handler so they survive reconnects.
func (c *Client) Connect() error {
	if strings.TrimSpace(c.opts.Broker) == "" {
		return errors.New("sidechannel: broker is empty")
	}
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.opts.Broker, c.opts.Port)
	opts.AddBroker(brokerURL)
	clientID := strings.TrimSpace(c.opts.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("rntitrack-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	log.Printf("Side channel: connecting to %s...", brokerURL)
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("sidechannel: connect %s: %w", brokerURL, token.Error())
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	filters := map[string]byte{c.opts.Topic: c.opts.QoS}
	if c.opts.ControlTopic != "" {
		filters[c.opts.ControlTopic] = c.opts.QoS
	}
	token := client.SubscribeMultiple(filters, c.route)
	if token.Wait() && token.Error() != nil {
		log.Printf("Side channel: subscribe failed: %v", token.Error())
		return
	}
	log.Printf("Side channel: subscribed to %s (control %s)", c.opts.Topic, c.opts.ControlTopic)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("Side channel: connection lost: %v (reconnecting)", err)
}

func (c *Client) route(_ mqtt.Client, msg mqtt.Message) {
	now := time.Now().UTC()
	if c.opts.ControlTopic != "" && msg.Topic() == c.opts.ControlTopic {
		c.handleControl(msg.Payload(), now)
		return
	}
	c.handleReference(msg.Payload(), now)
}

func (c *Client) handleReference(payload []byte, now time.Time) {
	c.lastMessageAt.Store(now.UnixNano())
	if len(payload) > c.opts.MaxPayloadSize {
		c.payloadTooLarge.Add(1)
		c.countDrop()
		return
	}
	ref, err := DecodeReference(payload)
	if err != nil {
		c.countParseError(err, now)
		return
	}
	select {
	case c.refs <- ref:
		c.lastSampleAt.Store(now.UnixNano())
	default:
		c.countDrop()
	}
}

func (c *Client) handleControl(payload []byte, now time.Time) {
	c.lastMessageAt.Store(now.UnixNano())
	if len(payload) > c.opts.MaxPayloadSize {
		c.payloadTooLarge.Add(1)
		c.countDrop()
		return
	}
	ctl, err := DecodeControl(payload, now)
	if err != nil {
		c.countParseError(err, now)
		return
	}
	c.controlCount.Add(1)
	select {
	case c.controls <- ctl:
	default:
		log.Printf("Side channel: control queue full, dropping %s", ctl.Event)
		c.countDrop()
	}
}

func (c *Client) countParseError(err error, now time.Time) {
	c.parseErrors.Add(1)
	c.lastParseErrAt.Store(now.UnixNano())
	if c.opts.Counters != nil {
		c.opts.Counters.IncParseErrors(FeedName)
	}
	if total, ok := c.parseErrLog.Inc(); ok {
		log.Printf("Side channel: dropping message (%d parse errors): %v", total, err)
	}
}

func (c *Client) countDrop() {
	c.drops.Add(1)
	if c.opts.Counters != nil {
		c.opts.Counters.IncDrops(FeedName)
	}
	if total, ok := c.dropLog.Inc(); ok {
		log.Printf("Side channel: dropped %d messages", total)
	}
}

// IsConnected reports whether the MQTT session is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// HealthSnapshot reports client state.
func (c *Client) HealthSnapshot() HealthSnapshot {
	return HealthSnapshot{
		Connected:       c.IsConnected(),
		LastMessageAt:   unixNanoTime(c.lastMessageAt.Load()),
		LastSampleAt:    unixNanoTime(c.lastSampleAt.Load()),
		LastParseErrAt:  unixNanoTime(c.lastParseErrAt.Load()),
		QueueLen:        len(c.refs),
		QueueCap:        cap(c.refs),
		Drops:           c.drops.Load(),
		PayloadTooLarge: c.payloadTooLarge.Load(),
		ParseErrors:     c.parseErrors.Load(),
		Controls:        c.controlCount.Load(),
	}
}

// Stop unsubscribes and disconnects.
func (c *Client) Stop() {
	if c.client == nil {
		return
	}
	if c.client.IsConnected() {
		topics := []string{c.opts.Topic}
		if c.opts.ControlTopic != "" {
			topics = append(topics, c.opts.ControlTopic)
		}
		c.client.Unsubscribe(topics...).WaitTimeout(time.Second)
		c.client.Disconnect(250)
	}
	log.Println("Side channel stopped")
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
