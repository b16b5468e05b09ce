package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/page-weight-monitor/internal/config"
	"github.com/galois26/page-weight-monitor/internal/logger"
)

func TestBuildSinksDiagnostic(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeDiagnostic}
	s, closeFn, err := buildSinks(context.Background(), cfg, prometheus.NewRegistry(), logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, "log", s.Name())
	require.NoError(t, closeFn())
}

func TestBuildSinksProduction(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeProduction}
	cfg.Sinks.Prometheus.Enable = true
	cfg.Sinks.Loki.URL = "http://loki.invalid:3100"
	cfg.Sinks.Store.Driver = "sqlite"
	cfg.Sinks.Store.DSN = filepath.Join(t.TempDir(), "pw.db")

	s, closeFn, err := buildSinks(context.Background(), cfg, prometheus.NewRegistry(), logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, "loki,prometheus,store", s.Name())
	require.NoError(t, closeFn())
}

func TestNewStateAppliesDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`
mode: diagnostic
defaults:
  user_agent: UA-default
urls:
  - url: https://example.com/
    label: home
`))
	require.NoError(t, err)
	st, err := newState(cfg)
	require.NoError(t, err)
	require.Len(t, st.jobs, 1)
	assert.Equal(t, "UA-default", st.jobs[0].UserAgent)
	assert.Equal(t, "home", st.jobs[0].Label)
}

func TestCheckOnceRejectsPrometheusOnly(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeProduction}
	cfg.Sinks.Prometheus.Enable = true

	err := checkOnce(cfg, logger.Discard())
	var cerr *config.ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "sinks.prometheus", cerr.Field)

	err = run(context.Background(), "unused.yml", cfg, true, logger.Discard())
	require.True(t, config.IsConfigError(err))

	cfg.Sinks.Loki.URL = "http://loki.invalid:3100"
	require.NoError(t, checkOnce(cfg, logger.Discard()))

	diag := &config.Config{Mode: config.ModeDiagnostic}
	diag.Sinks.Prometheus.Enable = true
	require.NoError(t, checkOnce(diag, logger.Discard()))
}
