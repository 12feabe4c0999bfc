package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKafkaTopicName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"trade/capture/input", "trade-capture-input"},
		{"trade/capture/blotter", "trade-capture-blotter"},
		{"trade/capture/dlq", "trade-capture-dlq"},
		{"trade/capture/input/ACC1/BOOK1/SEC1", "trade-capture-input-ACC1-BOOK1-SEC1"},
		{"already-flat", "already-flat"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, kafkaTopicName(tt.in))
	}
}

func TestMatchesTopic(t *testing.T) {
	assert.True(t, matchesTopic("trade/capture/input", "trade/capture/input"))
	assert.True(t, matchesTopic("trade/capture/input/>", "trade/capture/input/A/B/S"))
	assert.False(t, matchesTopic("trade/capture/input/>", "trade/capture/dlq"))
	assert.False(t, matchesTopic("trade/capture/input", "trade/capture/input/A"))
	// The wildcard matches only below its prefix, not the prefix itself
	assert.False(t, matchesTopic("trade/capture/input/>", "trade/capture/input"))
}
