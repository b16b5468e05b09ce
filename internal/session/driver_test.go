package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/page-weight-monitor/internal/logger"
	"github.com/galois26/page-weight-monitor/internal/model"
	"github.com/galois26/page-weight-monitor/internal/session"
	"github.com/galois26/page-weight-monitor/internal/session/sessiontest"
)

func scenario() sessiontest.Script {
	return sessiontest.Script{
		Logical: []model.LogicalLoadEvent{
			{RequestID: "1", URL: "X", Status: 200, ResourceType: "Image"},
			{RequestID: "2", URL: "X", Status: 404, ResourceType: "Script"},
		},
		Bytes: []model.TransportByteEvent{
			{RequestID: "1", EncodedLength: 2000, RawLength: 2000},
			{RequestID: "2", EncodedLength: 0, RawLength: 0},
		},
	}
}

func TestDriverRunScenario(t *testing.T) {
	for _, bytesFirst := range []bool{false, true} {
		s := scenario()
		s.BytesFirst = bytesFirst
		b := sessiontest.NewBrowser(map[string]sessiontest.Script{"X": s})
		d := session.NewDriver(b, logger.Discard())

		res, err := d.Run(context.Background(), model.Job{URL: "X", Timeout: 5 * time.Second})
		require.NoError(t, err)
		require.NoError(t, res.Err)

		assert.Equal(t, model.StatsRecord{NumberRequested: 1, NumberNotFound: 0, TotalSize: 2000}, res.Stats.Images)
		assert.Equal(t, model.StatsRecord{NumberRequested: 1, NumberNotFound: 1, TotalSize: 0}, res.Stats.Bundle)

		pages := b.Pages()
		require.Len(t, pages, 1)
		assert.Equal(t, 1, pages[0].Closes())
		assert.Equal(t, session.WaitNetworkIdle, pages[0].NavigateOptions().WaitPolicy)
		assert.Equal(t, 5*time.Second, pages[0].NavigateOptions().Timeout)
	}
}

func TestDriverNavigationFailureKeepsPartialStats(t *testing.T) {
	s := scenario()
	s.NavErr = sessiontest.ErrDNS
	b := sessiontest.NewBrowser(map[string]sessiontest.Script{"X": s})
	d := session.NewDriver(b, logger.Discard())

	res, err := d.Run(context.Background(), model.Job{URL: "X"})
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.True(t, session.IsNavigationError(res.Err))

	assert.Equal(t, uint64(1), res.Stats.Images.NumberRequested)
	assert.Equal(t, uint64(2000), res.Stats.Images.TotalSize)
	assert.Equal(t, uint64(1), res.Stats.Bundle.NumberNotFound)
	assert.Equal(t, 1, b.Pages()[0].Closes())
}

func TestDriverTimeoutReleasesPage(t *testing.T) {
	s := scenario()
	s.Block = true
	b := sessiontest.NewBrowser(map[string]sessiontest.Script{"X": s})
	d := session.NewDriver(b, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := d.Run(ctx, model.Job{URL: "X"})
	require.NoError(t, err)

	var navErr *session.NavigationError
	require.True(t, errors.As(res.Err, &navErr))
	assert.Equal(t, session.NavTimeout, navErr.Kind)
	assert.Equal(t, uint64(1), res.Stats.Images.NumberRequested)
	assert.Equal(t, 1, b.Pages()[0].Closes())
}

func TestDriverEmptyPage(t *testing.T) {
	b := sessiontest.NewBrowser(nil)
	d := session.NewDriver(b, logger.Discard())

	res, err := d.Run(context.Background(), model.Job{URL: "about:blank"})
	require.NoError(t, err)
	assert.Equal(t, model.PageStats{}, res.Stats)
}

func TestDriverOpenFailure(t *testing.T) {
	b := sessiontest.NewBrowser(nil)
	b.OpenErr = session.ErrBrowserUnavailable
	d := session.NewDriver(b, logger.Discard())

	_, err := d.Run(context.Background(), model.Job{URL: "X"})
	require.ErrorIs(t, err, session.ErrBrowserUnavailable)
}

func TestDriverNilBrowser(t *testing.T) {
	d := session.NewDriver(nil, nil)
	_, err := d.Run(context.Background(), model.Job{URL: "X"})
	require.ErrorIs(t, err, session.ErrBrowserUnavailable)
}

func TestNavigationErrorFormatting(t *testing.T) {
	err := session.NewNavigationError(session.NavNetwork, "https://x.test", errors.New("net::ERR_FAILED"))
	assert.Equal(t, "navigate https://x.test: network: net::ERR_FAILED", err.Error())
	assert.Equal(t, "navigate https://x.test: crashed", session.NewNavigationError(session.NavCrashed, "https://x.test", nil).Error())
}
