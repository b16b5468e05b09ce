package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/galois26/page-weight-monitor/internal/model"
)

type logSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLog returns the diagnostic sink: it writes each sample as indented JSON
// to w and persists nothing.
func NewLog(w io.Writer) Sink {
	return &logSink{w: w}
}

func (l *logSink) Name() string { return "log" }

func (l *logSink) Save(_ context.Context, s model.Sample) error {
	b, err := sonic.ConfigStd.MarshalIndent(newReport(s), "", "  ")
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = fmt.Fprintf(l.w, "%s\n", b)
	return err
}
