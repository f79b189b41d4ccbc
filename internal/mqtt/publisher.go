package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/planwright/internal/buildinfo"
	"github.com/nugget/planwright/internal/config"
)

// Counters are the live values published on every tick.
type Counters struct {
	ActiveSessions int
	ActiveRuns     int
	RunsStarted    uint64
	Invocations    uint64
}

// StatsSource provides the live counters. The concrete adapter is wired
// in main so this package does not depend on the runtime.
type StatsSource interface {
	Counters(ctx context.Context) Counters
}

// Publisher manages the broker connection and the periodic publish
// loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	daily      *DailyCounter
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. daily may be nil.
func New(cfg config.MQTTConfig, instanceID string, daily *DailyCounter, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		daily:      daily,
		stats:      stats,
		logger:     logger,
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// canceled.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.cfg.Configured() {
		return errors.New("mqtt publisher: broker and device_name are required")
	}
	interval := p.cfg.PublishInterval()
	if interval <= 0 {
		return fmt.Errorf("mqtt publisher: publish interval must be positive, got %s", interval)
	}
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "planwright-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx, interval)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "planwright/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entity string
	name   string
	icon   string
	class  string
	diag   bool
}

var sensors = []sensorDef{
	{entity: "uptime", name: "Uptime", icon: "mdi:clock-outline", diag: true},
	{entity: "version", name: "Version", icon: "mdi:tag", diag: true},
	{entity: "active_sessions", name: "Active Sessions", icon: "mdi:account-multiple", class: "measurement"},
	{entity: "active_runs", name: "Active Loop Runs", icon: "mdi:sync", class: "measurement"},
	{entity: "runs_started", name: "Loop Runs Started", icon: "mdi:counter", class: "total_increasing"},
	{entity: "invocations", name: "Specialist Calls", icon: "mdi:counter", class: "total_increasing"},
	{entity: "invocations_today", name: "Specialist Calls Today", icon: "mdi:calendar-today", class: "total_increasing"},
	{entity: "failures_today", name: "Failed Calls Today", icon: "mdi:alert-circle-outline", class: "total_increasing"},
	{entity: "runs_today", name: "Loop Runs Today", icon: "mdi:calendar-check", class: "total_increasing"},
}

func (p *Publisher) sensorConfigs() map[string]SensorConfig {
	out := make(map[string]SensorConfig, len(sensors))
	for _, s := range sensors {
		c := SensorConfig{
			Name:              p.device.Name + " " + s.name,
			UniqueID:          p.instanceID + "_" + s.entity,
			StateTopic:        p.stateTopic(s.entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              s.icon,
			StateClass:        s.class,
		}
		if s.diag {
			c.EntityCategory = "diagnostic"
		}
		out[s.entity] = c
	}
	return out
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for entity, cfg := range p.sensorConfigs() {
		topic := p.discoveryTopic(entity)
		payload, err := json.Marshal(cfg)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", entity, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", entity, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states renders the current counter values keyed by entity.
func (p *Publisher) states(ctx context.Context) map[string]string {
	c := p.stats.Counters(ctx)
	out := map[string]string{
		"uptime":          buildinfo.Uptime().Truncate(time.Second).String(),
		"version":         buildinfo.Version,
		"active_sessions": strconv.Itoa(c.ActiveSessions),
		"active_runs":     strconv.Itoa(c.ActiveRuns),
		"runs_started":    strconv.FormatUint(c.RunsStarted, 10),
		"invocations":     strconv.FormatUint(c.Invocations, 10),
	}
	if p.daily != nil {
		calls, failures, runs := p.daily.Snapshot()
		out["invocations_today"] = strconv.FormatInt(calls, 10)
		out["failures_today"] = strconv.FormatInt(failures, 10)
		out["runs_today"] = strconv.FormatInt(runs, 10)
	}
	return out
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states := p.states(ctx)
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt health states published", "entities", len(states))
}
