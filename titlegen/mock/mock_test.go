package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/titlegen/mock"
)

func TestGenerator_Defaults(t *testing.T) {
	g := mock.New()
	res, err := g.GenerateTitle(context.Background(), quotaledger.TitleInput{Summary: "s"})
	require.NoError(t, err)
	assert.Equal(t, "Mock Title", res.Title)
	assert.Equal(t, quotaledger.TitleAuto, res.Status)
	assert.Equal(t, quotaledger.TitleSourceSummary, res.Source)
	assert.Equal(t, int64(1), g.CallCount())
}

func TestGenerator_Error(t *testing.T) {
	boom := errors.New("boom")
	g := mock.New(mock.WithError(boom))
	_, err := g.GenerateTitle(context.Background(), quotaledger.TitleInput{})
	require.ErrorIs(t, err, boom)
}

func TestGenerator_TitleFunc(t *testing.T) {
	g := mock.New(mock.WithTitleFunc(func(in quotaledger.TitleInput) (quotaledger.TitleResult, error) {
		return quotaledger.TitleResult{Title: in.OutputLanguage, Status: quotaledger.TitleAuto}, nil
	}))
	res, err := g.GenerateTitle(context.Background(), quotaledger.TitleInput{OutputLanguage: "zh"})
	require.NoError(t, err)
	assert.Equal(t, "zh", res.Title)
}

func TestGenerator_LatencyHonoursContext(t *testing.T) {
	g := mock.New(mock.WithLatency(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := g.GenerateTitle(ctx, quotaledger.TitleInput{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), g.CallCount())
}
