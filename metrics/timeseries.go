package metrics

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Sample is one value destined for remote write
type Sample struct {
	Name      string
	Value     float64
	Timestamp time.Time
	Labels    map[string]string
}

// BuildTimeSeries groups samples into one series per metric name and label set.
// Series and labels are sorted so the request is deterministic.
func BuildTimeSeries(ctx context.Context, samples []Sample) []prompb.TimeSeries {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildTimeSeries")
	defer span.End()

	index := make(map[string]int)
	var series []prompb.TimeSeries

	for _, s := range samples {
		labels := seriesLabels(s)
		key := labelsKey(labels)

		i, ok := index[key]
		if !ok {
			i = len(series)
			index[key] = i
			series = append(series, prompb.TimeSeries{Labels: labels})
		}
		series[i].Samples = append(series[i].Samples, prompb.Sample{
			Value:     s.Value,
			Timestamp: s.Timestamp.UnixMilli(),
		})
	}

	sort.Slice(series, func(a, b int) bool {
		return labelsKey(series[a].Labels) < labelsKey(series[b].Labels)
	})

	span.SetAttributes(attribute.Int("metrics.time_series_count", len(series)))
	span.SetStatus(codes.Ok, "time series built")
	return series
}

func seriesLabels(s Sample) []prompb.Label {
	labels := make([]prompb.Label, 0, len(s.Labels)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: s.Name})
	for k, v := range s.Labels {
		labels = append(labels, prompb.Label{Name: k, Value: v})
	}
	// remote write requires labels sorted by name, __name__ sorts first
	sort.Slice(labels, func(a, b int) bool { return labels[a].Name < labels[b].Name })
	return labels
}

func labelsKey(labels []prompb.Label) string {
	var b strings.Builder
	for _, l := range labels {
		b.WriteString(l.Name)
		b.WriteByte('=')
		b.WriteString(l.Value)
		b.WriteByte(',')
	}
	return b.String()
}
