package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// LatestSource provides the newest cached sample of every key.
type LatestSource interface {
	Latest() map[telemetry.FieldKey]telemetry.Sample
}

// fieldCollector exports the latest numeric cached value of every watched
// field as a gauge labelled by GPU index.
type fieldCollector struct {
	src   LatestSource
	descs map[telemetry.FieldID]*prometheus.Desc
}

// NewFieldCollector creates a prometheus.Collector over cached field values.
func NewFieldCollector(src LatestSource) prometheus.Collector {
	c := &fieldCollector{
		src:   src,
		descs: make(map[telemetry.FieldID]*prometheus.Desc),
	}
	for _, info := range telemetry.AllFields() {
		if info.Kind != telemetry.KindInteger && info.Kind != telemetry.KindDouble {
			continue
		}
		help := "Latest collected " + info.Name + "."
		if info.Unit != "" {
			help = "Latest collected " + info.Name + " in " + info.Unit + "."
		}
		c.descs[info.ID] = prometheus.NewDesc(
			prometheus.BuildFQName("gpucollector", "gpu", info.Name),
			help,
			[]string{"gpu"},
			nil,
		)
	}
	return c
}

func (c *fieldCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descs {
		ch <- desc
	}
}

func (c *fieldCollector) Collect(ch chan<- prometheus.Metric) {
	for key, sample := range c.src.Latest() {
		desc, ok := c.descs[key.Field]
		if !ok {
			continue
		}
		v, ok := sample.Value.Float()
		if !ok {
			continue
		}
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, strconv.FormatUint(uint64(key.Device), 10))
		if err != nil {
			continue
		}
		ch <- prometheus.NewMetricWithTimestamp(telemetry.FromMillis(sample.Timestamp), m)
	}
}
