package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// EnergySample is one Insight power report.
type EnergySample struct {
	DeviceID string
	Name     string

	// CurrentPowerW is instantaneous draw in watts.
	CurrentPowerW float64

	// TodayKWh and TotalKWh are cumulative energy figures. Zero is written
	// as zero: Insight resets TodayKWh at midnight.
	TodayKWh float64
	TotalKWh float64

	// State is the Insight three-way state: 0 off, 1 on, 8 standby.
	State int

	Time time.Time
}

// WriteEnergy queues an "energy" point for an Insight plug.
func (c *Client) WriteEnergy(s EnergySample) {
	if !c.IsConnected() {
		return
	}
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(
		"energy",
		map[string]string{"device_id": s.DeviceID, "name": s.Name},
		map[string]any{
			"power_watts": s.CurrentPowerW,
			"today_kwh":   s.TodayKWh,
			"total_kwh":   s.TotalKWh,
			"state":       s.State,
		},
		ts,
	))
}

// WriteState queues a "wemo_state" point for a binary state change.
func (c *Client) WriteState(deviceID, family string, on bool, at time.Time) {
	if !c.IsConnected() {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(
		"wemo_state",
		map[string]string{"device_id": deviceID, "family": family},
		map[string]any{"on": on},
		at,
	))
}
