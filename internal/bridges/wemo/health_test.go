package wemo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/mqtt"
)

type staticStats Stats

func (s staticStats) Stats() Stats { return Stats(s) }

func TestDetermineStatus(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		stats     Stats
		want      HealthStatus
		reason    string
	}{
		{"disconnected", false, Stats{}, HealthDegraded, "MQTT disconnected"},
		{"no devices", true, Stats{}, HealthHealthy, ""},
		{"all reachable", true, Stats{Devices: 2, HTTPOnline: 2}, HealthHealthy, ""},
		{"none reachable", true, Stats{Devices: 2}, HealthDegraded, "no devices reachable"},
		{"pending", true, Stats{Devices: 2, HTTPOnline: 2, PendingReconnect: 1}, HealthDegraded, "1 device(s) awaiting reconnection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := NewMockMQTTClient()
			pub.setConnected(tt.connected)
			h := NewHealthReporter(HealthReporterConfig{Publisher: pub, Engine: staticStats(tt.stats)})
			status, reason := h.determineStatus()
			if status != tt.want || reason != tt.reason {
				t.Errorf("determineStatus() = %s %q, want %s %q", status, reason, tt.want, tt.reason)
			}
		})
	}
}

func TestHealthReporterLifecycle(t *testing.T) {
	pub := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		Version:   "1.2.3",
		Interval:  10 * time.Millisecond,
		Publisher: pub,
		Engine:    staticStats{Devices: 1, HTTPOnline: 1},
		Commands:  func() (uint64, uint64) { return 4, 1 },
	})

	h.Start(context.Background())
	topic := mqtt.Topics{}.Health()
	waitFor(t, time.Second, "periodic health", func() bool { return len(pub.onTopic(topic)) >= 2 })
	h.Stop()
	h.Stop()

	msgs := pub.onTopic(topic)
	var first, last HealthMessage
	if err := json.Unmarshal(msgs[0].Payload, &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(msgs[len(msgs)-1].Payload, &last); err != nil {
		t.Fatal(err)
	}
	if first.Status != HealthHealthy || first.Version != "1.2.3" || first.Statistics.CommandsReceived != 4 {
		t.Errorf("first health = %+v", first)
	}
	if last.Status != HealthStopping {
		t.Errorf("last status = %s, want stopping", last.Status)
	}
	for _, m := range msgs {
		if !m.Retained || m.QoS != 1 {
			t.Errorf("health publish retained=%v qos=%d", m.Retained, m.QoS)
		}
	}

	n := len(pub.onTopic(topic))
	time.Sleep(30 * time.Millisecond)
	if len(pub.onTopic(topic)) != n {
		t.Error("health published after Stop")
	}
}
