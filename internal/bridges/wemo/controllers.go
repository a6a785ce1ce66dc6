package wemo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Controller event names emitted to the host.
const (
	EventOn         = "on"
	EventBrightness = "brightness"
	EventEnergy     = "energy"
	EventMotion     = "motion"
	EventSensor     = "sensor"
)

// DefaultNoMotionDelay is how long a motion sensor must stay idle before
// "no motion" is reported.
const DefaultNoMotionDelay = 60 * time.Second

// Hub capability ids.
const (
	capOnOff      = "10006"
	capBrightness = "10008"
)

// EnergyReading is emitted by Insight plugs with every power report.
type EnergyReading struct {
	State    int     `json:"state"`
	Standby  bool    `json:"standby"`
	PowerW   float64 `json:"power_watts"`
	TodayKWh float64 `json:"today_kwh"`
	TotalKWh float64 `json:"total_kwh"`
	OnToday  int64   `json:"on_today_s"`
	OnFor    int64   `json:"on_for_s"`
}

// switchController maps BinaryState to "on".
type switchController struct {
	h Handle
}

// NewSwitchController builds the on/off controller.
func NewSwitchController(h Handle) Controller { return &switchController{h: h} }

func (c *switchController) OnAttributeUpdate(u AttributeUpdate) {
	if u.Name == AttrBinaryState {
		if v, ok := asInt(u.Value); ok {
			c.h.Emit(EventOn, v != 0)
		}
	}
}

func (c *switchController) Command(ctx context.Context, name string, params map[string]any) error {
	if name != EventOn {
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, name)
	}
	return setBinaryState(ctx, c.h, params)
}

type dimmerController struct {
	h Handle
}

// NewDimmerController builds the dimmer controller.
func NewDimmerController(h Handle) Controller { return &dimmerController{h: h} }

func (c *dimmerController) OnAttributeUpdate(u AttributeUpdate) {
	switch u.Name {
	case AttrBinaryState:
		if v, ok := asInt(u.Value); ok {
			c.h.Emit(EventOn, v != 0)
		}
	case AttrBrightness:
		if v, ok := asInt(u.Value); ok {
			c.h.Emit(EventBrightness, v)
		}
	}
}

func (c *dimmerController) Command(ctx context.Context, name string, params map[string]any) error {
	switch name {
	case EventOn:
		return setBinaryState(ctx, c.h, params)
	case EventBrightness:
		level, ok := asInt(params["value"])
		if !ok || level < 0 || level > 100 {
			return fmt.Errorf("%w: brightness needs value 0-100", ErrUnsupportedCommand)
		}
		on := 0
		if level > 0 {
			on = 1
		}
		_, err := c.h.SendCommand(ctx, ServiceBasicEvent, "SetBinaryState", Args{
			"BinaryState": on,
			"brightness":  level,
		})
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, name)
	}
}

type insightController struct {
	h Handle
}

// NewInsightController builds the energy-metering plug controller.
func NewInsightController(h Handle) Controller { return &insightController{h: h} }

func (c *insightController) OnAttributeUpdate(u AttributeUpdate) {
	switch u.Name {
	case AttrBinaryState:
		if v, ok := asInt(u.Value); ok {
			c.h.Emit(EventOn, v != 0)
		}
	case AttrInsightParams:
		p, ok := u.Value.(InsightParams)
		if !ok {
			return
		}
		c.h.Emit(EventEnergy, EnergyReading{
			State:    p.State,
			Standby:  p.State == InsightStandby,
			PowerW:   p.PowerW(),
			TodayKWh: p.TodayKWh(),
			TotalKWh: p.TotalKWh(),
			OnToday:  p.OnToday,
			OnFor:    p.OnFor,
		})
	}
}

func (c *insightController) Command(ctx context.Context, name string, params map[string]any) error {
	if name != EventOn {
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, name)
	}
	return setBinaryState(ctx, c.h, params)
}

// motionController reports motion immediately and clears it only after the
// sensor has been idle for the no-motion delay.
type motionController struct {
	h        Handle
	delay    time.Duration
	debounce Debouncer
}

// NewMotionController builds the motion sensor controller.
func NewMotionController(h Handle) Controller {
	return &motionController{h: h, delay: DefaultNoMotionDelay}
}

func (c *motionController) OnAttributeUpdate(u AttributeUpdate) {
	if u.Name != AttrBinaryState {
		return
	}
	v, ok := asInt(u.Value)
	if !ok {
		return
	}
	if v != 0 {
		c.debounce.Cancel()
		c.h.Emit(EventMotion, true)
		return
	}
	c.debounce.Schedule(c.delay, func() { c.h.Emit(EventMotion, false) })
}

func (c *motionController) Close() error {
	c.debounce.Stop()
	return nil
}

type makerController struct {
	h Handle
}

// NewMakerController builds the relay and sensor kit controller.
func NewMakerController(h Handle) Controller { return &makerController{h: h} }

func (c *makerController) OnAttributeUpdate(u AttributeUpdate) {
	switch u.Name {
	case AttrBinaryState, "Switch":
		if v, ok := asInt(u.Value); ok {
			c.h.Emit(EventOn, v != 0)
		}
	case "Sensor":
		// 0 is a closed contact.
		if v, ok := asInt(u.Value); ok {
			c.h.Emit(EventSensor, v == 0)
		}
	}
}

func (c *makerController) Command(ctx context.Context, name string, params map[string]any) error {
	if name != EventOn {
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, name)
	}
	return setBinaryState(ctx, c.h, params)
}

// applianceController forwards every attribute and writes attributes back
// with SetAttributes.
type applianceController struct {
	h Handle
}

// NewApplianceController builds the pass-through appliance controller.
func NewApplianceController(h Handle) Controller { return &applianceController{h: h} }

func (c *applianceController) OnAttributeUpdate(u AttributeUpdate) {
	c.h.Emit(u.Name, u.Value)
}

func (c *applianceController) Command(ctx context.Context, name string, params map[string]any) error {
	v, ok := params["value"]
	if !ok {
		return fmt.Errorf("%w: %s needs a value", ErrUnsupportedCommand, name)
	}
	_, err := c.h.SendCommand(ctx, ServiceDeviceEvent, "SetAttributes", Args{
		"attributeList": EncodeAttributeList([]Attribute{{Name: name, Value: v}}),
	})
	return err
}

// hubController owns the hub record itself. Sub-device updates are routed
// to bulb controllers before reaching it.
type hubController struct {
	h Handle
}

// NewHubController builds the controller for a Link hub.
func NewHubController(h Handle) Controller { return &hubController{h: h} }

func (c *hubController) OnAttributeUpdate(AttributeUpdate) {}

// bulbController handles one device behind a hub.
type bulbController struct {
	h Handle
}

// NewBulbController builds the controller for a hub sub-device.
func NewBulbController(h Handle) Controller { return &bulbController{h: h} }

func (c *bulbController) OnAttributeUpdate(u AttributeUpdate) {
	switch u.Name {
	case capOnOff:
		v, ok := asInt(firstField(u.Value))
		if !ok {
			return
		}
		c.h.Emit(EventOn, v != 0)
	case capBrightness:
		// "level:transition" with level 0-255.
		v, ok := asInt(firstField(u.Value))
		if !ok {
			return
		}
		c.h.Emit(EventBrightness, (v*100+127)/255)
	}
}

func (c *bulbController) Command(ctx context.Context, name string, params map[string]any) error {
	snap, ok := c.h.Snapshot()
	if !ok {
		return ErrUnknownDevice
	}
	var capID, value string
	switch name {
	case EventOn:
		on, ok := params["value"].(bool)
		if !ok {
			return fmt.Errorf("%w: on needs a boolean value", ErrUnsupportedCommand)
		}
		capID, value = capOnOff, "0"
		if on {
			value = "1"
		}
	case EventBrightness:
		level, ok := asInt(params["value"])
		if !ok || level < 0 || level > 100 {
			return fmt.Errorf("%w: brightness needs value 0-100", ErrUnsupportedCommand)
		}
		capID, value = capBrightness, strconv.Itoa(level*255/100)+":0"
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, name)
	}

	_, err := c.h.SendCommand(ctx, ServiceBridge, "SetDeviceStatus", Args{
		"DeviceStatusList": deviceStatusXML(snap.ID, capID, value),
	})
	return err
}

func deviceStatusXML(id, capID, value string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><DeviceStatus><IsGroupAction>NO</IsGroupAction><DeviceID available="YES">`)
	b.WriteString(id)
	b.WriteString("</DeviceID><CapabilityID>")
	b.WriteString(capID)
	b.WriteString("</CapabilityID><CapabilityValue>")
	b.WriteString(value)
	b.WriteString("</CapabilityValue></DeviceStatus>")
	return b.String()
}

// setBinaryState sends SetBinaryState from a {"value": bool} command.
func setBinaryState(ctx context.Context, h Handle, params map[string]any) error {
	on, ok := params["value"].(bool)
	if !ok {
		return fmt.Errorf("%w: on needs a boolean value", ErrUnsupportedCommand)
	}
	_, err := h.SendCommand(ctx, ServiceBasicEvent, "SetBinaryState", Args{"BinaryState": on})
	return err
}

func firstField(v any) any {
	if s, ok := v.(string); ok {
		f, _, _ := strings.Cut(s, ":")
		return f
	}
	return v
}

// asInt accepts the numeric shapes that arrive from decoding or JSON.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}
