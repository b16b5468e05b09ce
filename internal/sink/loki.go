package sink

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/galois26/page-weight-monitor/internal/config"
	"github.com/galois26/page-weight-monitor/internal/model"
	"github.com/galois26/page-weight-monitor/internal/util"
)

type lokiSink struct {
	cfg    config.LokiConfig
	client *http.Client
}

// NewLoki returns a sink pushing one JSON log line per sample to Loki.
func NewLoki(cfg config.LokiConfig) Sink {
	to := cfg.Timeout
	if to == 0 {
		to = 10 * time.Second
	}
	return &lokiSink{cfg: cfg, client: util.NewHTTPClient(to)}
}

func (l *lokiSink) Name() string { return "loki" }

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

func (l *lokiSink) Save(ctx context.Context, s model.Sample) error {
	body, err := l.encode(s)
	if err != nil {
		return err
	}
	header := http.Header{}
	if l.cfg.TenantID != "" {
		header.Set("X-Scope-OrgID", l.cfg.TenantID)
	}
	if ua := l.cfg.UserAgent; ua != "" {
		header.Set("User-Agent", ua)
	}
	endpoint := strings.TrimRight(l.cfg.URL, "/") + "/loki/api/v1/push"
	b := util.Backoff{Attempts: l.cfg.MaxRetries + 1, Initial: l.cfg.Backoff, Max: l.cfg.MaxBackoff}
	return util.Retry(ctx, b, func() error {
		return util.Post(ctx, l.client, endpoint, "application/json", body, header)
	})
}

func (l *lokiSink) encode(s model.Sample) ([]byte, error) {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	line, err := sonic.Marshal(newReport(s))
	if err != nil {
		return nil, fmt.Errorf("encode loki line: %w", err)
	}
	// Only low-cardinality labels go on the stream; url stays in the line.
	// Fixed keys are set last so user labels cannot replace the stream identity.
	lbls := make(map[string]string, len(s.Labels)+3)
	for k, v := range s.Labels {
		lbls[labelName(k)] = v
	}
	lbls["job"] = l.cfg.Job
	lbls["category"] = s.Category.Name()
	if s.Label != "" {
		lbls["label"] = s.Label
	}
	payload := lokiPush{Streams: []lokiStream{{
		Stream: lbls,
		// Loki expects ns timestamp as a decimal string
		Values: [][2]string{{fmt.Sprintf("%d", ts.UnixNano()), string(line)}},
	}}}
	return sonic.Marshal(payload)
}

// report is the JSON shape of a sample in logs.
type report struct {
	URL             string `json:"url"`
	Label           string `json:"label,omitempty"`
	Tag             string `json:"tag,omitempty"`
	Type            string `json:"type"`
	NumberRequested uint64 `json:"numberRequested"`
	NumberNotFound  uint64 `json:"numberNotFound"`
	TotalSize       uint64 `json:"totalSize"`
}

func newReport(s model.Sample) report {
	return report{
		URL:             s.URL,
		Label:           s.Label,
		Tag:             s.Tag,
		Type:            s.Category.Name(),
		NumberRequested: s.Stats.NumberRequested,
		NumberNotFound:  s.Stats.NumberNotFound,
		TotalSize:       s.Stats.TotalSize,
	}
}
