package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kozaktomas/facewatch/internal/stream"
)

var allStatuses = []stream.Status{
	stream.StatusConnecting,
	stream.StatusLive,
	stream.StatusDegraded,
	stream.StatusFailed,
}

// streamCollector reports per-stream state taken from the manager at scrape
// time, so removed streams disappear without bookkeeping.
type streamCollector struct {
	states func() []stream.State

	byStatus   *prometheus.Desc
	up         *prometheus.Desc
	captured   *prometheus.Desc
	dropped    *prometheus.Desc
	queueDepth *prometheus.Desc
	reconnects *prometheus.Desc
}

func newStreamCollector(states func() []stream.State) *streamCollector {
	perStream := []string{"stream_id"}
	return &streamCollector{
		states:     states,
		byStatus:   prometheus.NewDesc("facewatch_streams", "Streams by status", []string{"status"}, nil),
		up:         prometheus.NewDesc("facewatch_stream_up", "1 when the stream is live", perStream, nil),
		captured:   prometheus.NewDesc("facewatch_stream_frames_captured_total", "Frames captured from the source", perStream, nil),
		dropped:    prometheus.NewDesc("facewatch_stream_frames_dropped_total", "Frames evicted from a full queue", perStream, nil),
		queueDepth: prometheus.NewDesc("facewatch_stream_queue_depth", "Frames waiting for a worker", perStream, nil),
		reconnects: prometheus.NewDesc("facewatch_stream_reconnects_total", "Reconnect attempts", perStream, nil),
	}
}

func (c *streamCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byStatus
	ch <- c.up
	ch <- c.captured
	ch <- c.dropped
	ch <- c.queueDepth
	ch <- c.reconnects
}

func (c *streamCollector) Collect(ch chan<- prometheus.Metric) {
	states := c.states()

	counts := make(map[stream.Status]int, len(allStatuses))
	for _, st := range states {
		counts[st.Status]++

		up := 0.0
		if st.Status == stream.StatusLive {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, st.ID)
		ch <- prometheus.MustNewConstMetric(c.captured, prometheus.CounterValue, float64(st.FramesCaptured), st.ID)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.FramesDropped), st.ID)
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(st.QueueDepth), st.ID)
		ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(st.Reconnects), st.ID)
	}
	for _, s := range allStatuses {
		ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue, float64(counts[s]), string(s))
	}
}
