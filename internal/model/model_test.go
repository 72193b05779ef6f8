package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricType(t *testing.T) {
	tests := []struct {
		in   string
		want MetricType
	}{
		{"counter", Counter},
		{"GAUGE", Gauge},
		{" text ", Text},
		{"percentile", Percentile},
		{"other", Other},
	}
	for _, tt := range tests {
		got, err := ParseMetricType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.want.String(), got.String())
	}

	_, err := ParseMetricType("histogram")
	assert.Error(t, err)
	assert.False(t, MetricType(0).Valid())
	assert.False(t, MetricType(99).Valid())
}

func TestValueEqualityIsKindSensitive(t *testing.T) {
	assert.True(t, Int(5).Equal(Int(5)))
	assert.False(t, Int(5).Equal(Float(5)))
	assert.False(t, String("5").Equal(Int(5)))
	assert.True(t, Null().Equal(Value{}))
	assert.True(t, Null().IsNull())
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "12", Int(12).String())
	assert.Equal(t, "0.25", Float(0.25).String())
	assert.Equal(t, "true", Bool(true).String())
	assert.Equal(t, "idle", String("idle").String())
	assert.Equal(t, "", Null().String())
}

func TestSampleEmpty(t *testing.T) {
	s := NewSample(0, "ns", "app")
	assert.True(t, s.Empty())
	s.Set("a", Null())
	assert.True(t, s.Empty())
	s.Set("b", Int(1))
	assert.False(t, s.Empty())
}

func TestConfigurationErrorFormatting(t *testing.T) {
	inner := errors.New("boom")
	err := &ConfigurationError{Field: "collectors[0].interval", Reason: "must be positive", Err: inner}
	assert.Equal(t, "configuration error: collectors[0].interval: must be positive: boom", err.Error())
	assert.ErrorIs(t, err, inner)

	var cfgErr *ConfigurationError
	assert.True(t, errors.As(ConfigErrorf("x", "bad %d", 3), &cfgErr))
	assert.Equal(t, "bad 3", cfgErr.Reason)
}
