package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/page-weight-monitor/internal/config"
	"github.com/galois26/page-weight-monitor/internal/model"
)

func TestApply(t *testing.T) {
	eng, err := New(config.PostProcessConfig{
		Regex: []config.RegexRule{
			{Field: "path", Expr: `^/shop`, Labels: map[string]string{"section": "shop"}},
			{Field: "url", Expr: `\?`, Labels: map[string]string{"query": "yes"}},
			{Field: "", Expr: `.*`, Labels: map[string]string{"never": "x"}},
		},
		Maps: []config.MapRule{
			{Field: "host", Mapping: map[string]string{"www.example.com": "example"}, OutKey: "site"},
			{Field: "category", Mapping: map[string]string{"images": "media"}},
		},
	})
	require.NoError(t, err)

	in := model.Sample{
		URL:      "https://www.example.com/shop/cart",
		Category: model.CategoryImage,
		Labels:   map[string]string{"env": "prod"},
	}
	out := eng.Apply(in)

	assert.Equal(t, map[string]string{
		"env":      "prod",
		"host":     "www.example.com",
		"section":  "shop",
		"site":     "example",
		"category": "media",
	}, out.Labels)
	assert.Equal(t, map[string]string{"env": "prod"}, in.Labels, "input labels must not change")
}

func TestNilEngineDerivesHost(t *testing.T) {
	var eng *Engine
	out := eng.Apply(model.Sample{URL: "https://a.test:8443/x"})
	assert.Equal(t, map[string]string{"host": "a.test"}, out.Labels)
}

func TestNewRejectsBadRegex(t *testing.T) {
	_, err := New(config.PostProcessConfig{Regex: []config.RegexRule{{Field: "url", Expr: "("}}})
	require.Error(t, err)
}
