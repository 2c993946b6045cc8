package explore

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/joeblew999/plat-explore/internal/service"
)

func TestBucketCount(t *testing.T) {
	tests := []struct {
		max  float64
		want int
	}{
		{-5, 2},
		{0, 2},
		{1.4, 2},
		{2.6, 3},
		{7, 7},
		{9.4, 9},
		{10, 10},
		{1e9, 10},
		{math.Inf(1), 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BucketCount(tt.max), "max=%v", tt.max)
	}
}

func TestBuildScaleSevenBuckets(t *testing.T) {
	s, err := BuildScale(0, 7, "", "", ScaleOptions{})
	require.NoError(t, err)

	require.Equal(t, 7, s.BucketCount())
	require.Len(t, s.Legend, 7)
	assert.Equal(t, "0 - 1", s.Legend[0].Label)
	assert.Equal(t, "6 and above", s.Legend[6].Label)
	assert.Nil(t, s.Legend[6].UpperBound)
	require.NotNil(t, s.Legend[0].UpperBound)
	assert.Equal(t, 1.0, *s.Legend[0].UpperBound)

	assert.Equal(t, DefaultStartColor, s.Colors[0])
	assert.Equal(t, "#000000", s.Colors[6], "the gradient ends on black")
	for i, item := range s.Legend {
		assert.Equal(t, s.Colors[i], item.Color)
	}
}

func TestBuildScaleLegendIsContiguous(t *testing.T) {
	s, err := BuildScale(0, 23.5, "#ffffff", "blue", ScaleOptions{})
	require.NoError(t, err)
	require.Equal(t, MaxBuckets, s.BucketCount())
	for i := 1; i < len(s.Legend); i++ {
		require.NotNil(t, s.Legend[i-1].UpperBound)
		assert.InDelta(t, *s.Legend[i-1].UpperBound, s.Legend[i].LowerBound, 1e-9)
	}
	assert.True(t, strings.HasSuffix(s.Legend[len(s.Legend)-1].Label, "and above"))
}

func TestBuildScaleLocale(t *testing.T) {
	en, err := BuildScale(0, 25, "", "", ScaleOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0 - 2.5", en.Legend[0].Label)

	fr, err := BuildScale(0, 25, "", "", ScaleOptions{Locale: language.French})
	require.NoError(t, err)
	assert.Equal(t, "0 - 2,5", fr.Legend[0].Label)
}

func TestBuildScaleInvalidColor(t *testing.T) {
	_, err := BuildScale(0, 10, "not-a-color", "", ScaleOptions{})
	assert.Error(t, err)
	_, err = BuildScale(math.NaN(), 10, "", "", ScaleOptions{})
	assert.Error(t, err)
}

func TestScaleBucketClamps(t *testing.T) {
	s, err := BuildScale(0, 7, "", "", ScaleOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, s.Bucket(-3))
	assert.Equal(t, 0, s.Bucket(0.5))
	assert.Equal(t, 3, s.Bucket(3.5))
	assert.Equal(t, 6, s.Bucket(6.2))
	assert.Equal(t, 6, s.Bucket(100))
	assert.Equal(t, s.Colors[6], s.ValueColor(1000))
	assert.Equal(t, s.Colors[0], s.ValueColor(-1000))
}

func TestScaleFlatDomain(t *testing.T) {
	s, err := BuildScale(5, 5, "", "", ScaleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, s.BucketCount())
	assert.Equal(t, 0, s.Bucket(5))
}

func TestLegendBounds(t *testing.T) {
	assert.Equal(t, service.AggregationBounds{Min: 0, Max: 10}, LegendBounds(3.2, nil))
	assert.Equal(t, service.AggregationBounds{Min: 0, Max: 10}, LegendBounds(0, nil))
	assert.Equal(t, service.AggregationBounds{Min: 0, Max: 43}, LegendBounds(42.1, nil))

	custom := &service.AggregationBounds{Min: 5, Max: 20}
	assert.Equal(t, *custom, LegendBounds(3.2, custom))
}
