package realtime

import (
	"encoding/json"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/internal/audio"
)

// EventType discriminates the events delivered on a device's channel.
type EventType string

const (
	EventSessionReady     EventType = "session_ready"
	EventAudioChunk       EventType = "audio_chunk"
	EventTextChunk        EventType = "text_chunk"
	EventTranscript       EventType = "transcript"
	EventFunctionCall     EventType = "function_call"
	EventResponseComplete EventType = "response_complete"
	EventSpeechStarted    EventType = "speech_started"
	EventSpeechStopped    EventType = "speech_stopped"
	EventError            EventType = "error"
)

// Event is a remote event translated for the conversation layer.
type Event struct {
	Type EventType

	SessionID string
	// Audio is PCM16 at the service rate.
	Audio        []byte
	Text         string
	FunctionCall *entities.FunctionCallRequest
	// Status of a completed response, e.g. "completed" or "cancelled".
	Status       string
	ErrorCode    string
	ErrorMessage string
}

// Remote event type names.
const (
	typeSessionCreated        = "session.created"
	typeSessionUpdated        = "session.updated"
	typeSessionUpdate         = "session.update"
	typeResponseCreate        = "response.create"
	typeResponseCreated       = "response.created"
	typeResponseDone          = "response.done"
	typeAudioDelta            = "response.audio.delta"
	typeTextDelta             = "response.text.delta"
	typeTranscriptDelta       = "response.audio_transcript.delta"
	typeFunctionArgumentsDone = "response.function_call_arguments.done"
	typeSpeechStarted         = "input_audio_buffer.speech_started"
	typeSpeechStopped         = "input_audio_buffer.speech_stopped"
	typeInputTranscribed      = "conversation.item.input_audio_transcription.completed"
	typeAudioAppend           = "input_audio_buffer.append"
	typeAudioCommit           = "input_audio_buffer.commit"
	typeItemCreate            = "conversation.item.create"
	typeError                 = "error"
)

// serverEvent is the union of the inbound fields the bridge reads.
type serverEvent struct {
	Type    string `json:"type"`
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Response   *struct {
		Status string `json:"status"`
	} `json:"response,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// translate maps a remote event onto an internal one. ok is false for events
// the conversation layer does not see.
func translate(ev serverEvent) (Event, bool, error) {
	switch ev.Type {
	case typeSessionCreated:
		out := Event{Type: EventSessionReady}
		if ev.Session != nil {
			out.SessionID = ev.Session.ID
		}
		return out, true, nil
	case typeAudioDelta:
		pcm, err := audio.DecodeBase64(ev.Delta)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Type: EventAudioChunk, Audio: pcm}, true, nil
	case typeTextDelta, typeTranscriptDelta:
		return Event{Type: EventTextChunk, Text: ev.Delta}, true, nil
	case typeInputTranscribed:
		return Event{Type: EventTranscript, Text: ev.Transcript}, true, nil
	case typeFunctionArgumentsDone:
		args := map[string]any{}
		var err error
		if ev.Arguments != "" {
			err = json.Unmarshal([]byte(ev.Arguments), &args)
		}
		call := &entities.FunctionCallRequest{CallID: ev.CallID, Name: ev.Name, Arguments: args}
		return Event{Type: EventFunctionCall, FunctionCall: call}, true, err
	case typeResponseDone:
		out := Event{Type: EventResponseComplete}
		if ev.Response != nil {
			out.Status = ev.Response.Status
		}
		return out, true, nil
	case typeSpeechStarted:
		return Event{Type: EventSpeechStarted}, true, nil
	case typeSpeechStopped:
		return Event{Type: EventSpeechStopped}, true, nil
	case typeError:
		out := Event{Type: EventError}
		if ev.Error != nil {
			out.ErrorCode = ev.Error.Code
			if out.ErrorCode == "" {
				out.ErrorCode = ev.Error.Type
			}
			out.ErrorMessage = ev.Error.Message
		}
		return out, true, nil
	}
	return Event{}, false, nil
}

// Outbound payloads.

type toolPayload struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type sessionConfig struct {
	Modalities              []string          `json:"modalities"`
	Instructions            string            `json:"instructions"`
	Voice                   string            `json:"voice"`
	InputAudioFormat        string            `json:"input_audio_format"`
	OutputAudioFormat       string            `json:"output_audio_format"`
	InputAudioTranscription map[string]string `json:"input_audio_transcription"`
	TurnDetection           turnDetection     `json:"turn_detection"`
	Tools                   []toolPayload     `json:"tools"`
	ToolChoice              string            `json:"tool_choice"`
}

func sessionUpdate(p entities.PersonaConfig) map[string]any {
	tools := make([]toolPayload, 0, len(p.Tools))
	for _, t := range p.Tools {
		tools = append(tools, toolPayload{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return map[string]any{
		"type": typeSessionUpdate,
		"session": sessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            p.Instructions,
			Voice:                   p.Voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: map[string]string{"model": "whisper-1"},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMS:   300,
				SilenceDurationMS: 200,
			},
			Tools:      tools,
			ToolChoice: "auto",
		},
	}
}

func userText(text string) map[string]any {
	return map[string]any{
		"type": typeItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
}

func functionOutput(callID, output string) map[string]any {
	return map[string]any{
		"type": typeItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
}

func responseCreate(modalities []string) map[string]any {
	return map[string]any{
		"type":     typeResponseCreate,
		"response": map[string]any{"modalities": modalities},
	}
}
