package localdispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/laptoprelay/internal/agentevent"
	"github.com/freitascorp/laptoprelay/internal/obslog"
)

type captureSender struct {
	mu   sync.Mutex
	sent []json.RawMessage
}

func (c *captureSender) SendAgentEvent(_ context.Context, raw json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, raw)
}

func TestHandleAgentEventRejectsCommandVoiceWithErrorEvent(t *testing.T) {
	sender := &captureSender{}
	d := &Dispatcher{cfg: Config{}, logger: obslog.New("ERROR"), sender: sender}

	raw, err := agentevent.Encode(&agentevent.Event{
		Type:      agentevent.CommandVoice,
		SessionID: "s1",
		MessageID: "m1",
		Timestamp: 1,
		Payload:   agentevent.CommandVoicePayload{AudioBase64: "AA==", Format: "wav"},
	})
	require.NoError(t, err)

	d.HandleAgentEvent("s1", raw)

	require.Len(t, sender.sent, 1)
	ev, err := agentevent.Decode(sender.sent[0])
	require.NoError(t, err)
	assert.Equal(t, agentevent.ErrorEvent, ev.Type)
	p := ev.Payload.(agentevent.ErrorPayload)
	assert.Equal(t, "UNSUPPORTED_PAYLOAD", p.Code)
}

func TestHandleAgentEventIgnoresContextReset(t *testing.T) {
	sender := &captureSender{}
	d := &Dispatcher{cfg: Config{}, logger: obslog.New("ERROR"), sender: sender}

	raw, err := agentevent.Encode(&agentevent.Event{
		Type:      agentevent.ContextReset,
		SessionID: "s1",
		MessageID: "m1",
		Timestamp: 1,
		Payload:   agentevent.ContextResetPayload{},
	})
	require.NoError(t, err)

	d.HandleAgentEvent("s1", raw)
	assert.Empty(t, sender.sent)
}

func TestHandleAgentEventDiscardsMalformedPayload(t *testing.T) {
	sender := &captureSender{}
	d := &Dispatcher{cfg: Config{}, logger: obslog.New("ERROR"), sender: sender}
	d.HandleAgentEvent("s1", json.RawMessage(`not json`))
	assert.Empty(t, sender.sent)
}
