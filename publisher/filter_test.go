package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilter(t *testing.T) {
	tests := []struct {
		name   string
		topics []string
		keys   []string
		topic  string
		key    string
		want   bool
	}{
		{"empty matches all", nil, nil, "events", "a", true},
		{"exact topic", []string{"events"}, nil, "events", "a", true},
		{"other topic", []string{"events"}, nil, "metrics", "a", false},
		{"topic wildcard", []string{"ev*"}, nil, "events", "a", true},
		{"several topics", []string{"metrics", "events"}, nil, "events", "a", true},
		{"key glob", nil, []string{"sensor-?"}, "events", "sensor-1", true},
		{"key glob miss", nil, []string{"sensor-?"}, "events", "sensor-10", false},
		{"key range", nil, []string{"[a-c]*"}, "events", "beta", true},
		{"both must match", []string{"events"}, []string{"a*"}, "events", "b", false},
		{"case sensitive", []string{"Events"}, nil, "events", "a", false},
		{"integer keys", nil, []string{"0000000000000000*"}, "events", "0000000000000000042", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := NewGlobFilter(tc.topics, tc.keys)
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Match(tc.topic, tc.key))
		})
	}
}

func TestGlobFilter_InvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[unclosed"}, nil)
	assert.ErrorContains(t, err, "topic pattern")

	_, err = NewGlobFilter(nil, []string{"[unclosed"})
	assert.ErrorContains(t, err, "key pattern")
}
