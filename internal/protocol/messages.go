package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types carried in the "type" field of every transport frame.
const (
	TypeAudio          = "audio"
	TypeImage          = "image"
	TypeEndOfUtterance = "end_of_utterance"
	TypeInterrupt      = "interrupt"
	TypeTurnComplete   = "turn_complete"
)

// DecodeError describes why a frame was rejected.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Audio carries one chunk of 16-bit little-endian mono PCM. Data is base64 on
// the wire. SampleRate is only set on server frames.
type Audio struct {
	Type       string `json:"type"`
	Data       []byte `json:"data"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Image carries one screenshot.
type Image struct {
	Type     string `json:"type"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type EndOfUtterance struct {
	Type string `json:"type"`
}

// Interrupt tells the server the client discarded playback because the user
// started speaking.
type Interrupt struct {
	Type string `json:"type"`
}

type TurnComplete struct {
	Type string `json:"type"`
}

func NewAudio(pcm []byte) Audio { return Audio{Type: TypeAudio, Data: pcm} }

func NewServerAudio(pcm []byte, sampleRate int) Audio {
	return Audio{Type: TypeAudio, Data: pcm, SampleRate: sampleRate}
}

func NewImage(mimeType string, data []byte) Image {
	return Image{Type: TypeImage, MimeType: mimeType, Data: data}
}

func NewEndOfUtterance() EndOfUtterance { return EndOfUtterance{Type: TypeEndOfUtterance} }

func NewInterrupt() Interrupt { return Interrupt{Type: TypeInterrupt} }

func NewTurnComplete() TurnComplete { return TurnComplete{Type: TypeTurnComplete} }

func envelopeType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badRequest("missing type", "type")
	}
	return typ, nil
}

func decodeAudio(data []byte) (Audio, error) {
	var msg Audio
	if err := json.Unmarshal(data, &msg); err != nil {
		return Audio{}, badRequest("invalid audio frame", "data")
	}
	if len(msg.Data) == 0 {
		return Audio{}, badRequest("audio.data is required", "data")
	}
	if len(msg.Data)%2 != 0 {
		return Audio{}, badRequest("audio.data must hold whole 16-bit samples", "data")
	}
	msg.Type = TypeAudio
	return msg, nil
}

// DecodeClientMessage parses a frame sent by a client. It returns one of
// Audio, Image, EndOfUtterance or Interrupt.
func DecodeClientMessage(data []byte) (any, error) {
	typ, err := envelopeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeAudio:
		return decodeAudio(data)
	case TypeImage:
		var msg Image
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid image frame", "data")
		}
		msg.MimeType = strings.TrimSpace(msg.MimeType)
		if msg.MimeType == "" {
			return nil, badRequest("image.mime_type is required", "mime_type")
		}
		if !strings.HasPrefix(msg.MimeType, "image/") {
			return nil, unsupported("image.mime_type must be an image type", "mime_type")
		}
		if len(msg.Data) == 0 {
			return nil, badRequest("image.data is required", "data")
		}
		msg.Type = TypeImage
		return msg, nil
	case TypeEndOfUtterance:
		return NewEndOfUtterance(), nil
	case TypeInterrupt:
		return NewInterrupt(), nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// DecodeServerMessage parses a frame sent by the server. It returns Audio or
// TurnComplete.
func DecodeServerMessage(data []byte) (any, error) {
	typ, err := envelopeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeAudio:
		msg, err := decodeAudio(data)
		if err != nil {
			return nil, err
		}
		if msg.SampleRate <= 0 {
			return nil, badRequest("audio.sample_rate must be > 0", "sample_rate")
		}
		return msg, nil
	case TypeTurnComplete:
		return NewTurnComplete(), nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}
