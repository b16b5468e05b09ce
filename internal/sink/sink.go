package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/galois26/page-weight-monitor/internal/model"
)

// Sink is the minimal interface all sinks must implement.
type Sink interface {
	Name() string
	Save(ctx context.Context, s model.Sample) error
}

// PersistError reports a sample a sink could not store.
type PersistError struct {
	Sink string
	URL  string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s -> %s: %v", e.URL, e.Sink, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Multi saves every sample to all its sinks concurrently.
type Multi []Sink

func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, s := range m {
		names = append(names, s.Name())
	}
	return strings.Join(names, ",")
}

// Save fans out to every sink. The returned error joins one PersistError per
// failed sink; successful sinks are unaffected.
func (m Multi) Save(ctx context.Context, s model.Sample) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m))
	for _, sk := range m {
		sk := sk
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sk.Save(ctx, s); err != nil {
				errCh <- &PersistError{Sink: sk.Name(), URL: s.URL, Err: err}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// FailedSinks lists the sink names of all PersistErrors in err. It returns
// nil when err carries none, leaving attribution to the caller.
func FailedSinks(err error) []string {
	if err == nil {
		return nil
	}
	var out []string
	var walk func(error)
	walk = func(e error) {
		var pe *PersistError
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				walk(inner)
			}
			return
		}
		if errors.As(e, &pe) {
			out = append(out, pe.Sink)
		}
	}
	walk(err)
	sort.Strings(out)
	return out
}

// seriesLabels returns the label set of a sample: its derived labels plus
// url, category, label and tag (empty values are dropped).
func seriesLabels(s model.Sample) map[string]string {
	lbls := make(map[string]string, len(s.Labels)+4)
	for k, v := range s.Labels {
		lbls[k] = v
	}
	lbls["url"] = s.URL
	lbls["category"] = s.Category.Name()
	if s.Label != "" {
		lbls["label"] = s.Label
	}
	if s.Tag != "" {
		lbls["tag"] = s.Tag
	}
	return lbls
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
