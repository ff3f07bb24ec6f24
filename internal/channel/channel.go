// Package channel normalizes two chat transports behind one send/receive
// surface. Conversation state lives on the user record, so the active
// transport can be swapped without disturbing in-flight dialogs.
package channel

import (
	"context"
	"fmt"
	"strings"
)

// Message types produced by inbound normalization.
const (
	TypeText    = "text"
	TypeButton  = "button"
	TypeList    = "list"
	TypeImage   = "image"
	TypeUnknown = "unknown"
)

// ParsedMessage is the transport-independent inbound message shape.
type ParsedMessage struct {
	From        string // phone-number identity, digits only
	JID         string // transport address, when the transport has one
	ProfileName string
	Body        string
	Type        string
	MediaRef    string // opaque reference to attached media
	MessageID   string
}

// Option is one selectable entry for buttons or list rows.
type Option struct {
	ID    string
	Title string
}

// Section groups list options under a header.
type Section struct {
	Title   string
	Options []Option
}

// Sender is the outbound surface backed by a concrete transport.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
	// SendButtons renders up to three quick-reply buttons. Transports that
	// reject interactive payloads fall back to a numbered plain-text
	// enumeration instead of failing the turn.
	SendButtons(ctx context.Context, to, body string, options []Option) error
	SendList(ctx context.Context, to, body, buttonLabel string, sections []Section) error
	SendMedia(ctx context.Context, to string, media []byte, mimeType, caption string) error
}

// Processor handles normalized inbound messages.
type Processor interface {
	Process(ctx context.Context, msg ParsedMessage)
}

// EnumerateOptions renders options as a numbered plain-text block, the
// degraded form used when interactive sends are unavailable.
func EnumerateOptions(body string, options []Option) string {
	var b strings.Builder
	b.WriteString(body)
	for i, opt := range options {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt.Title))
	}
	return b.String()
}

// EnumerateSections renders list sections as plain text.
func EnumerateSections(body string, sections []Section) string {
	var b strings.Builder
	b.WriteString(body)
	n := 0
	for _, sec := range sections {
		if sec.Title != "" {
			b.WriteString("\n\n*")
			b.WriteString(sec.Title)
			b.WriteString("*")
		}
		for _, opt := range sec.Options {
			n++
			b.WriteString(fmt.Sprintf("\n%d. %s", n, opt.Title))
		}
	}
	return b.String()
}

// FlattenOptions returns all options across sections in display order, so
// numeric replies to the text fallback can be resolved.
func FlattenOptions(sections []Section) []Option {
	var res []Option
	for _, sec := range sections {
		res = append(res, sec.Options...)
	}
	return res
}
