package store

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

type AttachmentKind string

const (
	KindImage AttachmentKind = "image"
	KindFile  AttachmentKind = "file"
)

type Conversation struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Messages  []Message `json:"messages" yaml:"messages"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updated_at"`
}

type Message struct {
	ID        string       `json:"id" yaml:"id"`
	Role      Role         `json:"role" yaml:"role"`
	Content   string       `json:"content" yaml:"content"`
	Timestamp time.Time    `json:"timestamp" yaml:"timestamp"`
	Files     []Attachment `json:"files,omitempty" yaml:"files,omitempty"`
	// ExternalLink points at an externally hosted report (NotebookLM) when the
	// bot answer is a link rather than prose.
	ExternalLink string `json:"externalLink,omitempty" yaml:"external_link,omitempty"`
}

type Attachment struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Kind     AttachmentKind `json:"kind" yaml:"kind"`
	MIMEType string         `json:"mimeType" yaml:"mime_type"`
	Size     int64          `json:"size" yaml:"size"`
	// Data is only held for the upload round-trip and is never persisted.
	Data        []byte `json:"-" yaml:"-"`
	Preview     string `json:"preview,omitempty" yaml:"-"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// HasUserMessage reports whether any message in c was authored by the user.
func (c Conversation) HasUserMessage() bool {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}

func (c Conversation) clone() Conversation {
	out := c
	out.Messages = cloneMessages(c.Messages)
	return out
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Files != nil {
			out[i].Files = append([]Attachment(nil), m.Files...)
		}
	}
	return out
}

// CloneMessages returns a copy of msgs that shares no slices with the input.
func CloneMessages(msgs []Message) []Message {
	return cloneMessages(msgs)
}

const notebookPrefix = "https://notebooklm.google.com"

// ExternalLinkOf returns the report URL when content is a NotebookLM link.
func ExternalLinkOf(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, notebookPrefix) {
		return trimmed
	}
	return ""
}
