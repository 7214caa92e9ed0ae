package fanout

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	mu       sync.Mutex
	received [][]byte
	closed   bool
	closeErr error // if set, Deliver fails
}

func (f *fakeSub) Deliver(kind Kind, payload []byte) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, payload)
	return nil
}

func (f *fakeSub) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func TestBroadcastFanOutToMultipleSubscribers(t *testing.T) {
	h := New(nil)
	a := &fakeSub{}
	b := &fakeSub{}
	h.Subscribe(KindTerminal, "t1:s1", a)
	h.Subscribe(KindTerminal, "t1:s1", b)

	h.Broadcast(KindTerminal, "t1:s1", []byte(`{"hello":1}`))

	require.Len(t, a.received, 1)
	require.Len(t, b.received, 1)
	assert.Equal(t, `{"hello":1}`, string(a.received[0]))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New(nil)
	a := &fakeSub{}
	h.Subscribe(KindTerminal, "t1:s1", a)
	h.Unsubscribe(KindTerminal, "t1:s1", a)

	h.Broadcast(KindTerminal, "t1:s1", []byte("x"))
	assert.Empty(t, a.received)
}

func TestIdempotentSubscribe(t *testing.T) {
	h := New(nil)
	a := &fakeSub{}
	h.Subscribe(KindTerminal, "t1:s1", a)
	h.Subscribe(KindTerminal, "t1:s1", a)
	assert.Equal(t, 1, h.SubscriberCount(KindTerminal, "t1:s1"))
}

func TestFailingSubscriberIsPrunedAndOthersStillReceive(t *testing.T) {
	h := New(nil)
	bad := &fakeSub{closeErr: errors.New("boom")}
	good := &fakeSub{}
	h.Subscribe(KindRecording, "t1:s1:recording", bad)
	h.Subscribe(KindRecording, "t1:s1:recording", good)

	h.Broadcast(KindRecording, "t1:s1:recording", []byte("x"))
	require.Len(t, good.received, 1)

	h.Broadcast(KindRecording, "t1:s1:recording", []byte("y"))
	require.Len(t, good.received, 2)
	assert.True(t, bad.closed)
	assert.Equal(t, 1, h.SubscriberCount(KindRecording, "t1:s1:recording"))
}

func TestShutdownClosesEverything(t *testing.T) {
	h := New(nil)
	a := &fakeSub{}
	h.Subscribe(KindAgent, "t1:s1:agent", a)
	h.Shutdown()
	assert.True(t, a.closed)
	assert.Equal(t, 0, h.SubscriberCount(KindAgent, "t1:s1:agent"))
}

func TestEmptyKeyRemovedAfterLastUnsubscribe(t *testing.T) {
	h := New(nil)
	a := &fakeSub{}
	h.Subscribe(KindTerminal, "t1:s1", a)
	h.Unsubscribe(KindTerminal, "t1:s1", a)
	h.mu.Lock()
	_, ok := h.keys[KindTerminal]["t1:s1"]
	h.mu.Unlock()
	assert.False(t, ok)
}
