package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/jsonrpc"
)

// sessionTimeout expires cloud clients that stop talking. Remote proxies
// refresh their session with JSONRPC.KeepAlive or any request.
const sessionTimeout = 5 * time.Minute

// publishTimeout bounds one reply publish towards the broker.
const publishTimeout = 10 * time.Second

// CloudChannel relays the RPC protocol over an MQTT broker so clients
// outside the home network can reach the server. Each remote session
// owns a topic pair under the server's namespace:
//
//	<prefix>/<serverUUID>/c/<clientID>/req   client to server
//	<prefix>/<serverUUID>/c/<clientID>/resp  server to client
//
// A session opens on the first req message (empty payloads just open or
// refresh it) and closes after sessionTimeout of silence. The broker
// also carries the out-of-band push-button press topic
// <prefix>/<serverUUID>/pushbutton and a retained status topic with an
// offline will.
type CloudChannel struct {
	log   *slog.Logger
	cfg   config.CloudConfig
	base  string
	uuid  string
	core  Core
	bus   *events.Bus
	press func()

	connected atomic.Bool

	mu       sync.Mutex
	cm       *autopaho.ConnectionManager
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]time.Time
	wg       sync.WaitGroup
}

var (
	_ Transport     = (*CloudChannel)(nil)
	_ jsonrpc.Cloud = (*CloudChannel)(nil)
)

// NewCloudChannel creates the relay for one broker configuration. press
// is invoked for every message on the push-button topic and may be nil.
// Call Start to connect.
func NewCloudChannel(log *slog.Logger, cfg config.CloudConfig, serverUUID string, core Core, bus *events.Bus, press func()) *CloudChannel {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "hearthd"
	}
	return &CloudChannel{
		log:      log,
		cfg:      cfg,
		base:     prefix + "/" + serverUUID,
		uuid:     serverUUID,
		core:     core,
		bus:      bus,
		press:    press,
		sessions: make(map[string]time.Time),
	}
}

// Name identifies this endpoint in logs and in the client table.
func (c *CloudChannel) Name() string { return "cloud" }

// AuthRequired is always true here: the broker sits outside the trust
// boundary, so every remote session must present a token.
func (c *CloudChannel) AuthRequired() bool { return true }

// Connected reports whether the broker connection is up.
func (c *CloudChannel) Connected() bool { return c.connected.Load() }

// KeepAlive refreshes a remote session and reports whether it exists.
func (c *CloudChannel) KeepAlive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sessionID]; !ok {
		return false
	}
	c.sessions[sessionID] = time.Now()
	return true
}

func (c *CloudChannel) statusTopic() string { return c.base + "/status" }
func (c *CloudChannel) pressTopic() string  { return c.base + "/pushbutton" }

func (c *CloudChannel) respTopic(clientID string) string {
	return c.base + "/c/" + clientID + "/resp"
}

// clientFromTopic extracts the session id from a req topic. Anything
// outside the expected shape is ignored.
func (c *CloudChannel) clientFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, c.base+"/c/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/req")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Start connects to the broker and begins relaying. The connection is
// managed in the background; broker outages reconnect with backoff and
// flip the Connected flag.
func (c *CloudChannel) Start() error {
	brokerURL, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}

	keepAlive := uint16(30)
	if c.cfg.KeepAliveSec > 0 {
		keepAlive = uint16(c.cfg.KeepAliveSec)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAlive,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.log.Info("cloud channel connected", "broker", c.cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: c.base + "/c/+/req", QoS: 1},
					{Topic: c.pressTopic(), QoS: 1},
				},
			}); err != nil {
				c.log.Error("cloud subscribe failed", "error", err)
				return
			}
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   c.statusTopic(),
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				c.log.Warn("cloud status publish failed", "error", err)
			}
			c.setConnected(true)
		},
		OnConnectError: func(err error) {
			c.log.Warn("cloud connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hearthd-" + c.uuid,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.routeMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.log.Warn("cloud connection lost", "error", err)
				c.setConnected(false)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.log.Warn("cloud broker disconnected us", "reason_code", d.ReasonCode)
				c.setConnected(false)
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("cloud connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.ctx = ctx
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.janitor(ctx)
	return nil
}

// setConnected flips the connection flag and announces changes on the
// bus, where the RPC layer turns them into CloudConnectedChanged
// notifications.
func (c *CloudChannel) setConnected(up bool) {
	if c.connected.Swap(up) == up {
		return
	}
	c.bus.Publish(events.Event{
		Source: events.SourceCloud,
		Kind:   events.KindCloudConnected,
		Data:   map[string]any{"connected": up},
	})
}

// routeMessage dispatches one inbound broker message.
func (c *CloudChannel) routeMessage(topic string, payload []byte) {
	if topic == c.pressTopic() {
		c.log.Info("push-button press received over cloud channel")
		if c.press != nil {
			c.press()
		}
		return
	}
	clientID, ok := c.clientFromTopic(topic)
	if !ok {
		c.log.Debug("cloud message on unexpected topic", "topic", topic)
		return
	}

	c.mu.Lock()
	_, known := c.sessions[clientID]
	c.sessions[clientID] = time.Now()
	c.mu.Unlock()
	if !known {
		c.log.Info("cloud client connected", "client_id", clientID)
		c.core.ClientConnected(c, clientID)
	}
	if len(payload) > 0 {
		c.core.HandleData(clientID, payload)
	}
}

// janitor expires sessions that stopped talking.
func (c *CloudChannel) janitor(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.expireIdle(time.Now())
		}
	}
}

func (c *CloudChannel) expireIdle(now time.Time) {
	c.mu.Lock()
	var expired []string
	for id, seen := range c.sessions {
		if now.Sub(seen) > sessionTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, id := range expired {
		c.log.Info("cloud client timed out", "client_id", id)
		c.core.ClientDisconnected(id)
	}
}

// SendData publishes one frame to a session's resp topic.
func (c *CloudChannel) SendData(clientID string, data []byte) error {
	c.mu.Lock()
	_, known := c.sessions[clientID]
	cm := c.cm
	ctx := c.ctx
	c.mu.Unlock()
	if !known {
		return fmt.Errorf("cloud client %s not connected", clientID)
	}
	if cm == nil {
		return errors.New("cloud channel not started")
	}
	if !c.connected.Load() {
		return errors.New("cloud channel offline")
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   c.respTopic(clientID),
		Payload: data,
		QoS:     1,
	})
	return err
}

// Stop announces offline status, disconnects from the broker, and
// closes every remote session.
func (c *CloudChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	cancel := c.cancel
	c.cm = nil
	c.cancel = nil
	sessions := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		sessions = append(sessions, id)
	}
	c.sessions = make(map[string]time.Time)
	c.mu.Unlock()

	if cm == nil {
		return nil
	}
	if c.connected.Load() {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   c.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}); err != nil {
			c.log.Warn("cloud offline publish failed", "error", err)
		}
	}
	err := cm.Disconnect(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, id := range sessions {
		c.core.ClientDisconnected(id)
	}
	c.setConnected(false)
	c.log.Info("cloud channel stopped")
	return err
}
