package postprocess

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/galois26/page-weight-monitor/internal/config"
	"github.com/galois26/page-weight-monitor/internal/model"
)

// Engine derives labels for samples from the configured regex and map rules.
type Engine struct {
	regs []compiledRegex
	maps []config.MapRule
}

type compiledRegex struct {
	field  string
	re     *regexp.Regexp
	labels map[string]string
}

// New compiles the rules. Rules with an empty field or expression are skipped.
func New(cfg config.PostProcessConfig) (*Engine, error) {
	eng := &Engine{}
	for _, r := range cfg.Regex {
		if strings.TrimSpace(r.Field) == "" || strings.TrimSpace(r.Expr) == "" {
			continue
		}
		re, err := regexp.Compile(r.Expr)
		if err != nil {
			return nil, fmt.Errorf("postprocess regex %q: %w", r.Expr, err)
		}
		eng.regs = append(eng.regs, compiledRegex{field: r.Field, re: re, labels: r.Labels})
	}
	for _, m := range cfg.Maps {
		if strings.TrimSpace(m.Field) == "" || len(m.Mapping) == 0 {
			continue
		}
		if m.OutKey == "" {
			m.OutKey = m.Field
		}
		eng.maps = append(eng.maps, m)
	}
	return eng, nil
}

func field(s *model.Sample, name string) string {
	switch strings.ToLower(name) {
	case "url":
		return s.URL
	case "host":
		if u, err := url.Parse(s.URL); err == nil {
			return u.Hostname()
		}
		return ""
	case "path":
		if u, err := url.Parse(s.URL); err == nil {
			return u.Path
		}
		return ""
	case "label":
		return s.Label
	case "tag":
		return s.Tag
	case "category":
		return s.Category.Name()
	default:
		return s.Labels[name]
	}
}

// Apply sets the host label and runs regex then map rules on s. A nil
// engine only derives the host.
func (e *Engine) Apply(s model.Sample) model.Sample {
	labels := make(map[string]string, len(s.Labels)+2)
	for k, v := range s.Labels {
		labels[k] = v
	}
	s.Labels = labels
	if h := field(&s, "host"); h != "" {
		s.Labels["host"] = h
	}
	if e == nil {
		return s
	}

	for _, rr := range e.regs {
		val := field(&s, rr.field)
		if val == "" || !rr.re.MatchString(val) {
			continue
		}
		for k, v := range rr.labels {
			s.Labels[k] = v
		}
	}
	for _, mr := range e.maps {
		val := field(&s, mr.Field)
		if val == "" {
			continue
		}
		if mapped, ok := mr.Mapping[val]; ok {
			s.Labels[mr.OutKey] = mapped
		}
	}
	return s
}
