package wemo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-wemo/internal/device"
	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/mqtt"
)

const (
	// commandTimeout bounds one MQTT command, queueing included.
	commandTimeout = 30 * time.Second

	// storeTimeout bounds persistence writes triggered by events.
	storeTimeout = 5 * time.Second

	commandSOAP = "soap"
	commandOff  = "off"
)

// MQTTClient is the subset of the MQTT client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// EnergyWriter stores telemetry. *influxdb.Client satisfies it.
type EnergyWriter interface {
	WriteEnergy(s influxdb.EnergySample)
	WriteState(deviceID, family string, on bool, at time.Time)
}

// StateStore persists device state and health. *device.Registry satisfies it.
type StateStore interface {
	SetDeviceState(ctx context.Context, id string, state device.State) error
	SetDeviceHealth(ctx context.Context, id string, status device.HealthStatus) error
}

// BridgeOptions holds the bridge's collaborators. Engine and MQTT are
// required; Energy and Store are optional.
type BridgeOptions struct {
	Engine         *Engine
	MQTT           MQTTClient
	Energy         EnergyWriter
	Store          StateStore
	Version        string
	HealthInterval time.Duration
	QoS            byte
	Logger         Logger
}

// Bridge connects the engine to Gray Logic Core over MQTT. Controller
// events become retained state messages; commands arrive on
// graylogic/command/wemo/+ and are acknowledged.
type Bridge struct {
	logSink

	engine *Engine
	mqtt   MQTTClient
	energy EnergyWriter
	store  StateStore
	health *HealthReporter
	topics mqtt.Topics
	qos    byte

	stateCache   map[string]map[string]any
	stateCacheMu sync.Mutex

	announcedMu sync.Mutex
	announced   map[string]bool

	commandsRx     atomic.Uint64
	commandsFailed atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBridge creates a bridge and registers it as the engine's event sink.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		engine:     opts.Engine,
		mqtt:       opts.MQTT,
		energy:     opts.Energy,
		store:      opts.Store,
		qos:        qos,
		stateCache: make(map[string]map[string]any),
		announced:  make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTT,
		Engine:    opts.Engine,
		Commands: func() (uint64, uint64) {
			return b.commandsRx.Load(), b.commandsFailed.Load()
		},
	})
	b.SetLogger(opts.Logger)

	opts.Engine.SetEventSink(b)
	opts.Engine.Registry().OnChange(b.onRecordChange)
	return b, nil
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(l Logger) {
	b.logSink.SetLogger(l)
	b.health.SetLogger(l)
}

// Start subscribes to commands and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	topic := b.topics.AllCommands()
	if err := b.mqtt.Subscribe(topic, b.qos, b.handleCommandMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", topic)

	b.health.Start(ctx)
	return nil
}

// Stop waits for in-flight commands and stops health reporting.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.health.Stop()
		b.wg.Wait()
		b.logInfo("wemo bridge stopped")
	})
}

// DeviceEvent merges a controller event into the device's state and
// publishes it when something changed.
func (b *Bridge) DeviceEvent(ev DeviceEvent) {
	state, changed := b.mergeState(ev.DeviceID, ev.Name, ev.Value)
	if !changed {
		return
	}

	msg := NewStateMessage(ev.DeviceID, ev.Family, ev.HubID, state)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err, "device_id", ev.DeviceID)
		return
	}
	if err := b.mqtt.Publish(b.topics.State(ev.DeviceID), payload, b.qos, true); err != nil {
		b.logError("failed to publish state", err, "device_id", ev.DeviceID)
	}

	b.writeTelemetry(ev)

	if b.store != nil {
		ctx, cancel := context.WithTimeout(b.ctx, storeTimeout)
		defer cancel()
		if err := b.store.SetDeviceState(ctx, ev.DeviceID, device.State{ev.Name: ev.Value}); err != nil &&
			!errors.Is(err, device.ErrDeviceNotFound) {
			b.logError("failed to persist state", err, "device_id", ev.DeviceID)
		}
	}
}

func (b *Bridge) writeTelemetry(ev DeviceEvent) {
	if b.energy == nil {
		return
	}
	switch v := ev.Value.(type) {
	case EnergyReading:
		snap, _ := b.engine.Registry().Get(ev.DeviceID)
		b.energy.WriteEnergy(influxdb.EnergySample{
			DeviceID:      ev.DeviceID,
			Name:          snap.Name,
			CurrentPowerW: v.PowerW,
			TodayKWh:      v.TodayKWh,
			TotalKWh:      v.TotalKWh,
			State:         v.State,
			Time:          ev.Time,
		})
	case bool:
		if ev.Name == EventOn {
			b.energy.WriteState(ev.DeviceID, string(ev.Family), v, ev.Time)
		}
	}
}

// mergeState updates the cache and returns a copy of the merged state.
func (b *Bridge) mergeState(deviceID, name string, value any) (map[string]any, bool) {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	st := b.stateCache[deviceID]
	if st == nil {
		st = make(map[string]any)
		b.stateCache[deviceID] = st
	}
	if cur, ok := st[name]; ok && reflect.DeepEqual(cur, value) {
		return nil, false
	}
	st[name] = value

	out := make(map[string]any, len(st))
	for k, v := range st {
		out[k] = v
	}
	return out, true
}

// onRecordChange persists health and announces newly connected devices.
func (b *Bridge) onRecordChange(s Snapshot) {
	if b.store != nil && s.Initialized {
		ctx, cancel := context.WithTimeout(b.ctx, storeTimeout)
		err := b.store.SetDeviceHealth(ctx, s.ID, healthOf(s))
		cancel()
		if err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
			b.logError("failed to persist health", err, "device_id", s.ID)
		}
	}

	if !s.Initialized {
		return
	}
	b.announcedMu.Lock()
	seen := b.announced[s.ID]
	b.announced[s.ID] = true
	b.announcedMu.Unlock()
	if seen {
		return
	}

	msg := DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    bridgeProtocol,
		Devices:   []DiscoveredDevice{NewDiscoveredDevice(s)},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal discovery", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Discovery(), payload, b.qos, false); err != nil {
		b.logError("failed to publish discovery", err, "device_id", s.ID)
	}
}

// handleCommandMessage parses a command and executes it off the MQTT
// callback goroutine.
func (b *Bridge) handleCommandMessage(topic string, payload []byte) error {
	b.commandsRx.Add(1)

	topicID, ok := b.topics.DeviceIDFromCommand(topic)
	if !ok {
		b.commandsFailed.Add(1)
		return fmt.Errorf("not a command topic: %s", topic)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.commandsFailed.Add(1)
		b.publishAck(NewAckError(CommandMessage{ID: uuid.NewString(), DeviceID: topicID},
			ErrCodeInvalidPayload, err.Error()))
		return fmt.Errorf("parsing command: %w", err)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = topicID
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.executeCommand(cmd)
	}()
	return nil
}

func (b *Bridge) executeCommand(cmd CommandMessage) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	var (
		result Response
		err    error
	)
	switch cmd.Command {
	case commandSOAP:
		result, err = b.executeSOAP(ctx, cmd)
	case commandOff:
		err = b.engine.Command(ctx, cmd.DeviceID, EventOn, map[string]any{"value": false})
	case EventOn:
		params := cmd.Parameters
		if _, ok := params["value"]; !ok {
			params = map[string]any{"value": true}
		}
		err = b.engine.Command(ctx, cmd.DeviceID, EventOn, params)
	default:
		err = b.engine.Command(ctx, cmd.DeviceID, cmd.Command, cmd.Parameters)
	}

	if err != nil {
		b.commandsFailed.Add(1)
		b.logError("command failed", err, "command_id", cmd.ID, "device_id", cmd.DeviceID)
		b.publishAck(NewAckError(cmd, errorCode(err), err.Error()))
		return
	}

	ack := NewAckMessage(cmd, AckAccepted)
	if len(result) > 0 {
		ack.Result = result
	}
	b.publishAck(ack)
}

// executeSOAP runs a raw action: {"service", "action", "args"}.
func (b *Bridge) executeSOAP(ctx context.Context, cmd CommandMessage) (Response, error) {
	service, _ := cmd.Parameters["service"].(string)
	action, _ := cmd.Parameters["action"].(string)
	if service == "" || action == "" {
		return nil, fmt.Errorf("%w: soap needs service and action", ErrUnsupportedCommand)
	}
	var args Args
	if raw, ok := cmd.Parameters["args"].(map[string]any); ok {
		args = Args(raw)
	}
	return b.engine.SendCommand(ctx, cmd.DeviceID, service, action, args)
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(ack.DeviceID), payload, b.qos, false); err != nil {
		b.logError("failed to publish ack", err, "device_id", ack.DeviceID)
	}
}

// errorCode maps engine errors onto ack codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrUnsupportedCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrNoService):
		return ErrCodeServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrUnreachable):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrProtocol):
		return ErrCodeProtocolError
	default:
		return ErrCodeBridgeError
	}
}
