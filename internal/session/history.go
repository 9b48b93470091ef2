// ABOUTME: Converts stored transcript lines into chat messages for clients
// ABOUTME: Optionally renders markdown text to HTML with goldmark

package session

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/switchboard/internal/protocol"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML converts markdown text to HTML.
func RenderHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ChatMessages converts transcript lines to client messages. With asHTML the
// text of each message is rendered from markdown.
func ChatMessages(msgs []Message, asHTML bool) ([]protocol.ChatMessage, error) {
	out := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text
		blockType := "text"
		if asHTML {
			html, err := RenderHTML(text)
			if err != nil {
				return nil, err
			}
			text = html
			blockType = "html"
		}
		out = append(out, protocol.ChatMessage{
			Role:      m.Role,
			Content:   []protocol.ContentBlock{{Type: blockType, Text: text}},
			Timestamp: m.CreatedAt.UnixMilli(),
		})
	}
	return out, nil
}
