package sink

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/galois26/page-weight-monitor/internal/config"
	"github.com/galois26/page-weight-monitor/internal/model"
	"github.com/galois26/page-weight-monitor/internal/util"
)

// Metric names written to the time-series backends.
const (
	MetricNumberRequested = "page_weight_number_requested"
	MetricNumberNotFound  = "page_weight_number_not_found"
	MetricTotalSize       = "page_weight_total_size_bytes"
)

type victoriaSink struct {
	cfg    config.VictoriaConfig
	client *http.Client
}

// NewVictoria returns a sink writing Prometheus text lines to the
// VictoriaMetrics import endpoint.
func NewVictoria(cfg config.VictoriaConfig) (Sink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("victoria: empty url")
	}
	to := cfg.Timeout
	if to == 0 {
		to = 10 * time.Second
	}
	return &victoriaSink{
		cfg:    cfg,
		client: util.NewHTTPClient(to),
	}, nil
}

func (v *victoriaSink) Name() string { return "victoria" }

func (v *victoriaSink) Save(ctx context.Context, s model.Sample) error {
	body := encodePromLines(s)
	header := http.Header{}
	if ua := v.cfg.UserAgent; ua != "" {
		header.Set("User-Agent", ua)
	}
	endpoint := strings.TrimRight(v.cfg.URL, "/") + "/api/v1/import/prometheus"
	b := util.Backoff{Attempts: v.cfg.MaxRetries + 1, Initial: v.cfg.Backoff, Max: v.cfg.MaxBackoff}
	return util.Retry(ctx, b, func() error {
		return util.Post(ctx, v.client, endpoint, "text/plain", body, header)
	})
}

// encodePromLines renders the three series of a sample with a millisecond timestamp.
func encodePromLines(s model.Sample) []byte {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	lbls := formatLabels(seriesLabels(s))
	var buf bytes.Buffer
	for _, m := range []struct {
		name string
		val  uint64
	}{
		{MetricNumberRequested, s.Stats.NumberRequested},
		{MetricNumberNotFound, s.Stats.NumberNotFound},
		{MetricTotalSize, s.Stats.TotalSize},
	} {
		fmt.Fprintf(&buf, "%s{%s} %d %d\n", m.name, lbls, m.val, ts.UnixMilli())
	}
	return buf.Bytes()
}

// formatLabels renders labels in a deterministic order.
func formatLabels(lbls map[string]string) string {
	var b strings.Builder
	for i, k := range sortedKeys(lbls) {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=\"%s\"", labelName(k), escape(lbls[k]))
	}
	return b.String()
}

// labelName replaces characters not allowed in Prometheus label names.
func labelName(k string) string {
	out := []byte(k)
	for i, c := range out {
		ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9')
		if !ok {
			out[i] = '_'
		}
	}
	return string(out)
}

// escape applies the minimal escaping for label values.
func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return r.Replace(s)
}
