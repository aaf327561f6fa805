package metrics

import (
	"context"
	"testing"
	"time"
)

func TestBuildTimeSeries_GroupsByNameAndLabels(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	samples := []Sample{
		{Name: "battery_guard_battery_percent", Value: 70, Timestamp: ts},
		{Name: "battery_guard_ac_connected", Value: 1, Timestamp: ts},
		{Name: "battery_guard_battery_percent", Value: 71, Timestamp: ts.Add(10 * time.Second)},
		{Name: "battery_guard_dispatch", Value: 1, Timestamp: ts, Labels: map[string]string{"via": "local", "result": "success"}},
	}

	series := BuildTimeSeries(context.Background(), samples)
	if len(series) != 3 {
		t.Fatalf("Expected 3 series, got %d", len(series))
	}

	// sorted by label key, ac_connected first
	if series[0].Labels[0].Value != "battery_guard_ac_connected" {
		t.Errorf("Expected first series to be ac_connected, got %s", series[0].Labels[0].Value)
	}

	percent := series[1]
	if percent.Labels[0].Value != "battery_guard_battery_percent" {
		t.Fatalf("Expected battery_percent series, got %v", percent.Labels)
	}
	if len(percent.Samples) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(percent.Samples))
	}
	if percent.Samples[1].Value != 71 || percent.Samples[1].Timestamp != ts.Add(10*time.Second).UnixMilli() {
		t.Errorf("Unexpected second sample: %+v", percent.Samples[1])
	}

	dispatch := series[2]
	names := []string{"__name__", "result", "via"}
	for i, name := range names {
		if dispatch.Labels[i].Name != name {
			t.Errorf("Expected label %d to be %s, got %s", i, name, dispatch.Labels[i].Name)
		}
	}
}

func TestBuildTimeSeries_Empty(t *testing.T) {
	if series := BuildTimeSeries(context.Background(), nil); len(series) != 0 {
		t.Errorf("Expected no series, got %d", len(series))
	}
}
