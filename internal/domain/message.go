package domain

import (
	"encoding/base64"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a check-in conversation. Messages are values and
// are never modified once appended to a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ImageRef points at an image supplied with a user turn, either by URL or
// as raw bytes. It is only held for the duration of the turn.
type ImageRef struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// IsZero reports whether the reference carries no image at all.
func (r ImageRef) IsZero() bool {
	return strings.TrimSpace(r.URL) == "" && len(r.Data) == 0
}

// Source returns a value usable as an image_url: the URL itself, or a
// base64 data URL built from the raw bytes.
func (r ImageRef) Source() string {
	if u := strings.TrimSpace(r.URL); u != "" {
		return u
	}
	if len(r.Data) == 0 {
		return ""
	}
	mime := strings.TrimSpace(r.MIMEType)
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(r.Data)
}
