package sink

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/galois26/page-weight-monitor/internal/model"
)

// PromSink keeps the latest sample of every page as gauges for scraping.
type PromSink struct {
	requested *prometheus.GaugeVec
	notFound  *prometheus.GaugeVec
	totalSize *prometheus.GaugeVec
	lastRun   *prometheus.GaugeVec
}

// NewPrometheus registers the page gauges on reg.
func NewPrometheus(reg prometheus.Registerer) (*PromSink, error) {
	lbls := []string{"url", "category", "label", "tag"}
	p := &PromSink{
		requested: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricNumberRequested,
			Help: "Resources requested by the page in the category",
		}, lbls),
		notFound: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricNumberNotFound,
			Help: "Resources of the category answered with 404",
		}, lbls),
		totalSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricTotalSize,
			Help: "Bytes transferred for resources of the category",
		}, lbls),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "page_weight_last_sample_timestamp_seconds",
			Help: "Unix timestamp of the latest sample of the page",
		}, []string{"url"}),
	}
	for _, c := range []prometheus.Collector{p.requested, p.notFound, p.totalSize, p.lastRun} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PromSink) Name() string { return "prometheus" }

func (p *PromSink) Save(_ context.Context, s model.Sample) error {
	lv := []string{s.URL, s.Category.Name(), s.Label, s.Tag}
	p.requested.WithLabelValues(lv...).Set(float64(s.Stats.NumberRequested))
	p.notFound.WithLabelValues(lv...).Set(float64(s.Stats.NumberNotFound))
	p.totalSize.WithLabelValues(lv...).Set(float64(s.Stats.TotalSize))
	if !s.Time.IsZero() {
		p.lastRun.WithLabelValues(s.URL).Set(float64(s.Time.Unix()))
	}
	return nil
}
