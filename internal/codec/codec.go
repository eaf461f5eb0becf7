// Package codec normalizes submitted text and file content into the uniform
// content record relayed to room members, and classifies records for rendering.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"roomdrop/internal/protocol"
)

// MaxFileSize bounds the raw bytes of one file submission (pre-base64).
const MaxFileSize = 10 * 1024 * 1024

const defaultMediaType = "application/octet-stream"

// ErrEncodingFailure marks a submission that could not be turned into a
// content record. Nothing is appended or broadcast for such submissions.
var ErrEncodingFailure = errors.New("content encoding failed")

// RenderCategory is the closed set of presentation categories.
type RenderCategory string

const (
	CategoryText     RenderCategory = "text"
	CategoryImage    RenderCategory = "image"
	CategoryPDF      RenderCategory = "pdf"
	CategoryDocument RenderCategory = "document"
)

// EncodeText produces a text content record. The body must be non-blank.
func EncodeText(senderID, body string) (protocol.Content, error) {
	if strings.TrimSpace(body) == "" {
		return protocol.Content{}, fmt.Errorf("%w: text body is empty", ErrEncodingFailure)
	}
	return protocol.Content{
		Kind:     protocol.KindText,
		Body:     body,
		SenderID: senderID,
		TS:       time.Now().UnixMilli(),
	}, nil
}

// EncodeFile produces a file content record with the payload embedded as a
// self-describing data URI, so the record can be relayed and rendered without
// a side-channel file store.
func EncodeFile(senderID, fileName, mediaType string, payload []byte) (protocol.Content, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return protocol.Content{}, fmt.Errorf("%w: file name is required", ErrEncodingFailure)
	}
	if len(payload) == 0 {
		return protocol.Content{}, fmt.Errorf("%w: file payload is empty", ErrEncodingFailure)
	}
	if len(payload) > MaxFileSize {
		return protocol.Content{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrEncodingFailure, MaxFileSize)
	}
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		mediaType = defaultMediaType
	}
	return protocol.Content{
		Kind:      protocol.KindFile,
		MediaType: mediaType,
		FileName:  fileName,
		DataURI:   "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(payload),
		SenderID:  senderID,
		TS:        time.Now().UnixMilli(),
	}, nil
}

// Validate checks that an inbound record has one of the two legal shapes.
// The relay rejects anything else before it touches room state.
func Validate(c protocol.Content) error {
	switch c.Kind {
	case protocol.KindText:
		if strings.TrimSpace(c.Body) == "" {
			return fmt.Errorf("%w: text body is empty", ErrEncodingFailure)
		}
		return nil
	case protocol.KindFile:
		if strings.TrimSpace(c.FileName) == "" {
			return fmt.Errorf("%w: file name is required", ErrEncodingFailure)
		}
		payload, err := DecodePayload(c)
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			return fmt.Errorf("%w: file payload is empty", ErrEncodingFailure)
		}
		if len(payload) > MaxFileSize {
			return fmt.Errorf("%w: payload exceeds %d bytes", ErrEncodingFailure, MaxFileSize)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrEncodingFailure, c.Kind)
	}
}

// DecodePayload extracts the raw bytes from a file record's data URI.
func DecodePayload(c protocol.Content) ([]byte, error) {
	if c.Kind != protocol.KindFile {
		return nil, fmt.Errorf("%w: not a file record", ErrEncodingFailure)
	}
	_, rest, ok := strings.Cut(c.DataURI, ",")
	if !ok || !strings.HasPrefix(c.DataURI, "data:") {
		return nil, fmt.Errorf("%w: malformed data URI", ErrEncodingFailure)
	}
	payload, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64 payload: %v", ErrEncodingFailure, err)
	}
	return payload, nil
}

// Classify maps a content record onto a render category. Presentation code
// switches on this closed set instead of probing media type strings itself.
func Classify(c protocol.Content) RenderCategory {
	if c.Kind == protocol.KindText {
		return CategoryText
	}
	mt := strings.ToLower(c.MediaType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage
	case strings.Contains(mt, "pdf"):
		return CategoryPDF
	default:
		return CategoryDocument
	}
}
