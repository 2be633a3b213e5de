// Package protocol holds the JSON wire types of the Live
// BidiGenerateContent session: the client setup and realtime input
// messages and the server message envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	ModalityAudio = "AUDIO"

	// InputMIMEType is the media type of every outbound capture frame.
	InputMIMEType = "audio/pcm;rate=16000"
)

var ErrEmptyMessage = errors.New("empty server message")

// SetupMessage is the first frame sent on a new session.
type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type Setup struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is one content part: text or inline media.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData carries base64 media.
type InlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// NewSetupMessage builds the session setup for an audio-only conversation.
// Model names without the "models/" prefix get one.
func NewSetupMessage(model, voice, systemInstruction string) SetupMessage {
	if model != "" && !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	msg := SetupMessage{Setup: Setup{
		Model: model,
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{ModalityAudio},
		},
	}}
	if voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: VoiceConfig{PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: voice}},
		}
	}
	if systemInstruction != "" {
		msg.Setup.SystemInstruction = &Content{Parts: []Part{{Text: systemInstruction}}}
	}
	return msg
}

// RealtimeInputMessage streams one media chunk.
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type RealtimeInput struct {
	MediaChunks []InlineData `json:"mediaChunks"`
}

// NewAudioInput wraps a base64 PCM16 16 kHz frame.
func NewAudioInput(base64PCM string) RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{
		MediaChunks: []InlineData{{MimeType: InputMIMEType, Data: base64PCM}},
	}}
}

// ServerMessage is any message received from the endpoint. Exactly the
// fields present on the wire are non-nil.
type ServerMessage struct {
	SetupComplete *SetupComplete `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	GoAway        *GoAway        `json:"goAway,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn          *Content `json:"modelTurn,omitempty"`
	Interrupted        bool     `json:"interrupted,omitempty"`
	TurnComplete       bool     `json:"turnComplete,omitempty"`
	GenerationComplete bool     `json:"generationComplete,omitempty"`
}

// GoAway announces that the server will close the session soon.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount,omitempty"`
	ResponseTokenCount int `json:"responseTokenCount,omitempty"`
	TotalTokenCount    int `json:"totalTokenCount,omitempty"`
}

// ParseServerMessage decodes one text or binary websocket frame. Unknown
// fields are ignored; a frame carrying none of the known fields is
// rejected.
func ParseServerMessage(raw []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("invalid server message: %w", err)
	}
	if msg.SetupComplete == nil && msg.ServerContent == nil && msg.GoAway == nil && msg.UsageMetadata == nil {
		return ServerMessage{}, ErrEmptyMessage
	}
	return msg, nil
}

// Interrupted reports whether the model's output was cut off by user
// barge-in.
func (m ServerMessage) Interrupted() bool {
	return m.ServerContent != nil && m.ServerContent.Interrupted
}

// AudioFragments returns the base64 payload of every audio part of the
// model turn, in arrival order. Text parts are skipped.
func (m ServerMessage) AudioFragments() []string {
	if m.ServerContent == nil || m.ServerContent.ModelTurn == nil {
		return nil
	}
	var out []string
	for _, part := range m.ServerContent.ModelTurn.Parts {
		if part.InlineData == nil || part.InlineData.Data == "" {
			continue
		}
		if mt := part.InlineData.MimeType; mt != "" && !strings.HasPrefix(mt, "audio/") {
			continue
		}
		out = append(out, part.InlineData.Data)
	}
	return out
}

// Terminal reports whether the server signalled the end of the session.
func (m ServerMessage) Terminal() bool {
	return m.GoAway != nil
}
