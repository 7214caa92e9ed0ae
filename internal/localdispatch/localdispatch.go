// Package localdispatch is a minimal, concrete AgentEventSink: it turns
// incoming command_text AgentEvents into a single non-streaming
// completion call against whichever LLM SDK is configured, and emits
// assistant_message/completion events back over the tunnel.
// command_voice events are answered with an UNSUPPORTED_PAYLOAD error
// event.
//
// LLM planning itself stays out of the relay core, reached only through
// the laptop's own sinks; this package exercises that seam with one real
// implementation rather than leaving it abstract.
package localdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"

	"github.com/freitascorp/laptoprelay/internal/agentevent"
)

// Backend selects which LLM SDK answers completion requests.
type Backend string

const (
	BackendAnthropic Backend = "anthropic"
	BackendOpenAI    Backend = "openai"
)

// EventSender is the subset of tunnelclient.Client the dispatcher needs:
// forwarding an encoded AgentEvent back over the tunnel.
type EventSender interface {
	SendAgentEvent(ctx context.Context, raw json.RawMessage)
}

// Config selects the backend and model for the dispatcher.
type Config struct {
	Backend Backend
	Model   string
	APIKey  string
}

// Dispatcher implements tunnelclient.AgentEventSink by answering
// command_text events with a single completion call.
type Dispatcher struct {
	cfg        Config
	logger     *slog.Logger
	sender     EventSender
	anthropicC anthropic.Client
	openaiC    openai.Client
}

// New constructs a Dispatcher. sender is used to forward the model's
// reply back over the tunnel as assistant_message/completion events.
func New(cfg Config, sender EventSender, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{cfg: cfg, logger: logger, sender: sender}
	switch cfg.Backend {
	case BackendAnthropic:
		d.anthropicC = anthropic.NewClient(anthropicoption.WithAPIKey(cfg.APIKey))
	default:
		d.openaiC = openai.NewClient(openaioption.WithAPIKey(cfg.APIKey))
	}
	return d
}

// HandleAgentEvent implements tunnelclient.AgentEventSink.
func (d *Dispatcher) HandleAgentEvent(sessionID string, raw json.RawMessage) {
	ctx := context.Background()
	ev, err := agentevent.Decode(raw)
	if err != nil {
		d.logger.Warn("dispatcher discarding malformed agent event", "session_id", sessionID, "error", err)
		return
	}

	var prompt string
	switch p := ev.Payload.(type) {
	case agentevent.CommandTextPayload:
		prompt = p.Text
	case agentevent.CommandVoicePayload:
		// Speech-to-text isn't handled here; a real embedder would run
		// an SttProvider before reaching the dispatcher.
		d.emitError(ctx, sessionID, "UNSUPPORTED_PAYLOAD", "command_voice requires an SttProvider upstream of the dispatcher")
		return
	case agentevent.ContextResetPayload:
		return
	default:
		return
	}

	reply, err := d.complete(ctx, prompt)
	if err != nil {
		d.emitError(ctx, sessionID, "UPSTREAM_LLM_ERROR", err.Error())
		return
	}

	d.emit(ctx, sessionID, &agentevent.Event{
		Type:      agentevent.AssistantMessage,
		SessionID: sessionID,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   agentevent.AssistantMessagePayload{Content: reply, IsFinal: true},
	})
	d.emit(ctx, sessionID, &agentevent.Event{
		Type:      agentevent.Completion,
		SessionID: sessionID,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   agentevent.CompletionPayload{Success: true},
	})
}

func (d *Dispatcher) complete(ctx context.Context, prompt string) (string, error) {
	switch d.cfg.Backend {
	case BackendAnthropic:
		model := d.cfg.Model
		if model == "" {
			model = string(anthropic.ModelClaude3_5HaikuLatest)
		}
		msg, err := d.anthropicC.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 1024,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("anthropic completion: %w", err)
		}
		var out string
		for _, block := range msg.Content {
			if block.Type == "text" {
				out += block.Text
			}
		}
		return out, nil

	default:
		model := d.cfg.Model
		if model == "" {
			model = openai.ChatModelGPT4oMini
		}
		resp, err := d.openaiC.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: model,
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
		})
		if err != nil {
			return "", fmt.Errorf("openai completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("openai completion: no choices returned")
		}
		return resp.Choices[0].Message.Content, nil
	}
}

func (d *Dispatcher) emit(ctx context.Context, sessionID string, ev *agentevent.Event) {
	raw, err := agentevent.Encode(ev)
	if err != nil {
		d.logger.Error("dispatcher failed to encode outbound agent event", "session_id", sessionID, "error", err)
		return
	}
	d.sender.SendAgentEvent(ctx, raw)
}

func (d *Dispatcher) emitError(ctx context.Context, sessionID, code, message string) {
	d.emit(ctx, sessionID, &agentevent.Event{
		Type:      agentevent.ErrorEvent,
		SessionID: sessionID,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   agentevent.ErrorPayload{Code: code, Message: message},
	})
}
