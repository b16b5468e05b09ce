package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/page-weight-monitor/internal/config"
	"github.com/galois26/page-weight-monitor/internal/model"
)

func testSample() model.Sample {
	return model.Sample{
		Time:     time.UnixMilli(1_700_000_000_123),
		URL:      "https://example.com/",
		Category: model.CategoryImage,
		Label:    "home",
		Tag:      `ua "quoted"`,
		Labels:   map[string]string{"env": "prod", "host": "example.com"},
		Stats:    model.StatsRecord{NumberRequested: 12, NumberNotFound: 1, TotalSize: 34567},
	}
}

func TestEncodePromLines(t *testing.T) {
	got := string(encodePromLines(testSample()))
	lbls := `category="images",env="prod",host="example.com",label="home",tag="ua \"quoted\"",url="https://example.com/"`
	want := "page_weight_number_requested{" + lbls + "} 12 1700000000123\n" +
		"page_weight_number_not_found{" + lbls + "} 1 1700000000123\n" +
		"page_weight_total_size_bytes{" + lbls + "} 34567 1700000000123\n"
	assert.Equal(t, want, got)
}

func TestLabelName(t *testing.T) {
	assert.Equal(t, "team_name", labelName("team-name"))
	assert.Equal(t, "_lives", labelName("9lives"))
	assert.Equal(t, "ok_1", labelName("ok_1"))
}

func TestVictoriaSave(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/import/prometheus", r.URL.Path)
		assert.Equal(t, "pwm-test", r.Header.Get("User-Agent"))
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		bodies = append(bodies, string(b))
		if fail {
			fail = false
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewVictoria(config.VictoriaConfig{URL: srv.URL + "/", UserAgent: "pwm-test", MaxRetries: 1, Backoff: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), testSample()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2, "one failed attempt and one retry")
	assert.Contains(t, bodies[1], "page_weight_total_size_bytes{")
}

func TestNewVictoriaRequiresURL(t *testing.T) {
	_, err := NewVictoria(config.VictoriaConfig{})
	require.Error(t, err)
}

func TestLokiSave(t *testing.T) {
	var got lokiPush
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "tenant-a", r.Header.Get("X-Scope-OrgID"))
		b, _ := io.ReadAll(r.Body)
		assert.NoError(t, sonic.Unmarshal(b, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewLoki(config.LokiConfig{URL: srv.URL, TenantID: "tenant-a", Job: "pwm"})
	require.NoError(t, s.Save(context.Background(), testSample()))

	require.Len(t, got.Streams, 1)
	st := got.Streams[0]
	assert.Equal(t, "pwm", st.Stream["job"])
	assert.Equal(t, "images", st.Stream["category"])
	assert.Equal(t, "home", st.Stream["label"])
	assert.NotContains(t, st.Stream, "url")
	require.Len(t, st.Values, 1)
	assert.Equal(t, "1700000000123000000", st.Values[0][0])

	var line report
	require.NoError(t, sonic.Unmarshal([]byte(st.Values[0][1]), &line))
	assert.Equal(t, "https://example.com/", line.URL)
	assert.Equal(t, uint64(34567), line.TotalSize)
}

func TestLokiSaveServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewLoki(config.LokiConfig{URL: srv.URL, MaxRetries: 3})
	err := s.Save(context.Background(), testSample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 400")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLog(&buf)
	smp := testSample()
	smp.Category = model.CategoryBundle
	require.NoError(t, s.Save(context.Background(), smp))

	out := buf.String()
	assert.Contains(t, out, `"url": "https://example.com/"`)
	assert.Contains(t, out, `"type": "bundle"`)
	assert.Contains(t, out, `"numberRequested": 12`)
	assert.Contains(t, out, `"numberNotFound": 1`)
	assert.Contains(t, out, `"totalSize": 34567`)
	assert.True(t, strings.HasSuffix(out, "}\n"))
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	smp := testSample()
	require.NoError(t, p.Save(context.Background(), smp))
	assert.Equal(t, float64(34567), testutil.ToFloat64(p.totalSize.WithLabelValues(smp.URL, "images", "home", smp.Tag)))
	assert.Equal(t, float64(12), testutil.ToFloat64(p.requested.WithLabelValues(smp.URL, "images", "home", smp.Tag)))

	smp.Stats.TotalSize = 10
	require.NoError(t, p.Save(context.Background(), smp))
	assert.Equal(t, float64(10), testutil.ToFloat64(p.totalSize.WithLabelValues(smp.URL, "images", "home", smp.Tag)))

	_, err = NewPrometheus(reg)
	require.Error(t, err, "double registration must fail")
}

type stubSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []model.Sample
}

func (s *stubSink) Name() string { return s.name }
func (s *stubSink) Save(_ context.Context, smp model.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, smp)
	return s.err
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	ok := &stubSink{name: "ok"}
	bad1 := &stubSink{name: "bad1", err: errors.New("down")}
	bad2 := &stubSink{name: "bad2", err: errors.New("refused")}
	m := Multi{ok, bad1, bad2}

	err := m.Save(context.Background(), testSample())
	require.Error(t, err)
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad1.got, 1)

	var pe *PersistError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "https://example.com/", pe.URL)
	assert.Equal(t, []string{"bad1", "bad2"}, FailedSinks(err))
	assert.Equal(t, "ok,bad1,bad2", m.Name())

	require.NoError(t, Multi{ok}.Save(context.Background(), testSample()))
	assert.Nil(t, FailedSinks(nil))
}

func TestFailedSinksIgnoresPlainErrors(t *testing.T) {
	assert.Nil(t, FailedSinks(errors.New("stdout closed")))
	joined := errors.Join(errors.New("plain"), &PersistError{Sink: "loki", Err: errors.New("down")})
	assert.Equal(t, []string{"loki"}, FailedSinks(joined))
}

func TestLokiStreamIdentityWinsOverUserLabels(t *testing.T) {
	l := NewLoki(config.LokiConfig{URL: "http://loki.invalid", Job: "pwm"}).(*lokiSink)
	smp := testSample()
	smp.Labels = map[string]string{"job": "spoofed", "category": "spoofed", "label": "spoofed", "team": "web"}

	b, err := l.encode(smp)
	require.NoError(t, err)
	var got lokiPush
	require.NoError(t, sonic.Unmarshal(b, &got))
	require.Len(t, got.Streams, 1)
	st := got.Streams[0].Stream
	assert.Equal(t, "pwm", st["job"])
	assert.Equal(t, "images", st["category"])
	assert.Equal(t, "home", st["label"])
	assert.Equal(t, "web", st["team"])
}
