// Package agentevent implements the typed AgentEvent envelope carried
// end-to-end between the mobile client and the laptop: decode wire bytes
// to a validated variant, encode a variant back to wire bytes, and reject
// malformed frames with a structured DecodeError. This package is the
// only place that knows the on-the-wire JSON shape.
package agentevent

import (
	"encoding/json"
	"fmt"
)

// Type tags an AgentEvent's payload variant.
type Type string

const (
	CommandText      Type = "command_text"
	CommandVoice     Type = "command_voice"
	Transcription    Type = "transcription"
	AssistantMessage Type = "assistant_message"
	TTSAudio         Type = "tts_audio"
	Completion       Type = "completion"
	ErrorEvent       Type = "error"
	ContextReset     Type = "context_reset"
)

// DecodeErrorKind classifies why a wire frame failed to decode.
type DecodeErrorKind string

const (
	MalformedJSON         DecodeErrorKind = "malformed_json"
	UnknownType           DecodeErrorKind = "unknown_type"
	MissingRequiredField  DecodeErrorKind = "missing_required_field"
	InvalidEnum           DecodeErrorKind = "invalid_enum"
)

// DecodeError reports a structured decode failure.
type DecodeError struct {
	Kind  DecodeErrorKind
	Field string // populated for MissingRequiredField / InvalidEnum, and with the rejected type for UnknownType
	Err   error  // underlying cause, populated for MalformedJSON
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("agentevent: %s: %s", e.Kind, e.Field)
	}
	if e.Err != nil {
		return fmt.Sprintf("agentevent: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("agentevent: %s", e.Kind)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Payload is implemented by every typed payload variant.
type Payload interface {
	eventType() Type
	// Extra returns unknown payload fields observed on decode, preserved
	// for forward compatibility and re-emitted on Encode.
	Extra() map[string]json.RawMessage
}

type extra struct {
	fields map[string]json.RawMessage
}

func (e extra) Extra() map[string]json.RawMessage { return e.fields }

// CommandTextPayload is sent client -> laptop.
type CommandTextPayload struct {
	Text string `json:"text"`
	extra
}

func (CommandTextPayload) eventType() Type { return CommandText }

// CommandVoicePayload is sent client -> laptop.
type CommandVoicePayload struct {
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"` // wav | m4a | opus
	extra
}

func (CommandVoicePayload) eventType() Type { return CommandVoice }

// ContextResetPayload carries no fields.
type ContextResetPayload struct {
	extra
}

func (ContextResetPayload) eventType() Type { return ContextReset }

// TranscriptionPayload is sent laptop -> client.
type TranscriptionPayload struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	extra
}

func (TranscriptionPayload) eventType() Type { return Transcription }

// AssistantMessagePayload is sent laptop -> client.
type AssistantMessagePayload struct {
	Content  string         `json:"content"`
	IsFinal  bool           `json:"is_final"`
	Metadata map[string]any `json:"metadata,omitempty"`
	extra
}

func (AssistantMessagePayload) eventType() Type { return AssistantMessage }

// TTSAudioPayload is sent laptop -> client.
type TTSAudioPayload struct {
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"` // mp3 | opus
	DurationMs  int64  `json:"duration_ms"`
	Transcript  string `json:"transcript"`
	extra
}

func (TTSAudioPayload) eventType() Type { return TTSAudio }

// CompletionPayload is sent laptop -> client.
type CompletionPayload struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	extra
}

func (CompletionPayload) eventType() Type { return Completion }

// ErrorPayload is sent laptop -> client.
type ErrorPayload struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
	extra
}

func (ErrorPayload) eventType() Type { return ErrorEvent }

// Event is the validated, typed envelope.
type Event struct {
	Type      Type
	SessionID string
	MessageID string
	Timestamp int64 // epoch milliseconds
	ParentID  *string
	Payload   Payload
}

// wireEnvelope is the on-the-wire shape: lower-snake field names.
type wireEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	Timestamp int64           `json:"timestamp"`
	ParentID  *string         `json:"parent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode validates and parses a single textual frame into an Event, or
// returns a *DecodeError describing exactly why the frame was rejected.
func Decode(data []byte) (*Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Kind: MalformedJSON, Err: err}
	}
	if env.SessionID == "" {
		return nil, &DecodeError{Kind: MissingRequiredField, Field: "session_id"}
	}
	if env.MessageID == "" {
		return nil, &DecodeError{Kind: MissingRequiredField, Field: "message_id"}
	}

	fields, err := splitFields(env.Payload)
	if err != nil {
		return nil, &DecodeError{Kind: MalformedJSON, Err: err}
	}

	payload, derr := decodePayload(Type(env.Type), fields)
	if derr != nil {
		return nil, derr
	}

	return &Event{
		Type:      Type(env.Type),
		SessionID: env.SessionID,
		MessageID: env.MessageID,
		Timestamp: env.Timestamp,
		ParentID:  env.ParentID,
		Payload:   payload,
	}, nil
}

// Encode serializes an Event back to wire bytes.
func Encode(e *Event) ([]byte, error) {
	payloadBytes, err := encodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	env := wireEnvelope{
		Type:      string(e.Type),
		SessionID: e.SessionID,
		MessageID: e.MessageID,
		Timestamp: e.Timestamp,
		ParentID:  e.ParentID,
		Payload:   payloadBytes,
	}
	return json.Marshal(env)
}

func splitFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// take pops a required field out of fields, erroring with
// MissingRequiredField if absent.
func take(fields map[string]json.RawMessage, key string, out any) *DecodeError {
	raw, ok := fields[key]
	if !ok {
		return &DecodeError{Kind: MissingRequiredField, Field: key}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{Kind: MalformedJSON, Err: err}
	}
	delete(fields, key)
	return nil
}

// takeOptional pops an optional field if present.
func takeOptional(fields map[string]json.RawMessage, key string, out any) *DecodeError {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{Kind: MalformedJSON, Err: err}
	}
	delete(fields, key)
	return nil
}

func validEnum(field, value string, allowed ...string) *DecodeError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &DecodeError{Kind: InvalidEnum, Field: field}
}

func decodePayload(t Type, fields map[string]json.RawMessage) (Payload, *DecodeError) {
	// bag is what remains of fields once the known ones are taken; it is
	// nil when nothing remains, so such an event decodes to the same value
	// it was encoded from.
	bag := func() map[string]json.RawMessage {
		if len(fields) == 0 {
			return nil
		}
		return fields
	}

	switch t {
	case CommandText:
		var p CommandTextPayload
		if derr := take(fields, "text", &p.Text); derr != nil {
			return nil, derr
		}
		p.fields = bag()
		return p, nil

	case CommandVoice:
		var p CommandVoicePayload
		if derr := take(fields, "audio_base64", &p.AudioBase64); derr != nil {
			return nil, derr
		}
		if derr := take(fields, "format", &p.Format); derr != nil {
			return nil, derr
		}
		if derr := validEnum("format", p.Format, "wav", "m4a", "opus"); derr != nil {
			return nil, derr
		}
		p.fields = bag()
		return p, nil

	case ContextReset:
		var p ContextResetPayload
		p.fields = bag()
		return p, nil

	case Transcription:
		var p TranscriptionPayload
		if derr := take(fields, "text", &p.Text); derr != nil {
			return nil, derr
		}
		if derr := takeOptional(fields, "confidence", &p.Confidence); derr != nil {
			return nil, derr
		}
		p.fields = bag()
		return p, nil

	case AssistantMessage:
		var p AssistantMessagePayload
		if derr := take(fields, "content", &p.Content); derr != nil {
			return nil, derr
		}
		if derr := take(fields, "is_final", &p.IsFinal); derr != nil {
			return nil, derr
		}
		if derr := takeOptional(fields, "metadata", &p.Metadata); derr != nil {
			return nil, derr
		}
		p.fields = bag()
		return p, nil

	case TTSAudio:
		var p TTSAudioPayload
		if derr := take(fields, "audio_base64", &p.AudioBase64); derr != nil {
			return nil, derr
		}
		if derr := take(fields, "format", &p.Format); derr != nil {
			return nil, derr
		}
		if derr := validEnum("format", p.Format, "mp3", "opus"); derr != nil {
			return nil, derr
		}
		if derr := take(fields, "duration_ms", &p.DurationMs); derr != nil {
			return nil, derr
		}
		if derr := take(fields, "transcript", &p.Transcript); derr != nil {
			return nil, derr
		}
		p.fields = bag()
		return p, nil

	case Completion:
		var p CompletionPayload
		if derr := take(fields, "success", &p.Success); derr != nil {
			return nil, derr
		}
		if derr := takeOptional(fields, "result", &p.Result); derr != nil {
			return nil, derr
		}
		if derr := takeOptional(fields, "error", &p.Error); derr != nil {
			return nil, derr
		}
		p.fields = bag()
		return p, nil

	case ErrorEvent:
		var p ErrorPayload
		if derr := take(fields, "code", &p.Code); derr != nil {
			return nil, derr
		}
		if derr := take(fields, "message", &p.Message); derr != nil {
			return nil, derr
		}
		if derr := takeOptional(fields, "details", &p.Details); derr != nil {
			return nil, derr
		}
		p.fields = bag()
		return p, nil

	default:
		return nil, &DecodeError{Kind: UnknownType, Field: string(t)}
	}
}

func encodePayload(p Payload) (json.RawMessage, error) {
	known := map[string]json.RawMessage{}
	addKnown := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		known[key] = b
		return nil
	}

	switch v := p.(type) {
	case CommandTextPayload:
		if err := addKnown("text", v.Text); err != nil {
			return nil, err
		}
	case CommandVoicePayload:
		if err := addKnown("audio_base64", v.AudioBase64); err != nil {
			return nil, err
		}
		if err := addKnown("format", v.Format); err != nil {
			return nil, err
		}
	case ContextResetPayload:
		// no required fields
	case TranscriptionPayload:
		if err := addKnown("text", v.Text); err != nil {
			return nil, err
		}
		if v.Confidence != nil {
			if err := addKnown("confidence", v.Confidence); err != nil {
				return nil, err
			}
		}
	case AssistantMessagePayload:
		if err := addKnown("content", v.Content); err != nil {
			return nil, err
		}
		if err := addKnown("is_final", v.IsFinal); err != nil {
			return nil, err
		}
		if v.Metadata != nil {
			if err := addKnown("metadata", v.Metadata); err != nil {
				return nil, err
			}
		}
	case TTSAudioPayload:
		if err := addKnown("audio_base64", v.AudioBase64); err != nil {
			return nil, err
		}
		if err := addKnown("format", v.Format); err != nil {
			return nil, err
		}
		if err := addKnown("duration_ms", v.DurationMs); err != nil {
			return nil, err
		}
		if err := addKnown("transcript", v.Transcript); err != nil {
			return nil, err
		}
	case CompletionPayload:
		if err := addKnown("success", v.Success); err != nil {
			return nil, err
		}
		if len(v.Result) > 0 {
			known["result"] = v.Result
		}
		if v.Error != "" {
			if err := addKnown("error", v.Error); err != nil {
				return nil, err
			}
		}
	case ErrorPayload:
		if err := addKnown("code", v.Code); err != nil {
			return nil, err
		}
		if err := addKnown("message", v.Message); err != nil {
			return nil, err
		}
		if len(v.Details) > 0 {
			known["details"] = v.Details
		}
	default:
		return nil, fmt.Errorf("agentevent: unknown payload type %T", p)
	}

	merged := make(map[string]json.RawMessage, len(known)+len(p.Extra()))
	for k, v := range p.Extra() {
		merged[k] = v
	}
	for k, v := range known {
		merged[k] = v
	}
	if len(merged) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(merged)
}
