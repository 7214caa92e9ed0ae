package tunnelclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelaySequence(t *testing.T) {
	max := 30 * time.Second
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, w := range want {
		got := reconnectDelay(attempt+1, max)
		assert.Equal(t, w, got, "attempt %d", attempt+1)
	}
}

func TestReconnectDelayClampsToMax(t *testing.T) {
	assert.Equal(t, 30*time.Second, reconnectDelay(10, 30*time.Second))
}

func TestContainsQuery(t *testing.T) {
	assert.True(t, containsQuery("wss://relay/tunnel/abc?x=1"))
	assert.False(t, containsQuery("wss://relay/tunnel/abc"))
}
