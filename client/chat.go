package client

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mkarlsso/pomosync/internal/protocol"
)

// SendMessage relays chat text to the session. Empty (after trimming) text
// is a no-op; overlong text is truncated. The message is NOT appended
// locally: the transcript grows only from the server echo, so every client,
// sender included, sees the registry's relay order.
func (c *Client) SendMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if runes := []rune(text); len(runes) > protocol.MaxMessageChars {
		text = string(runes[:protocol.MaxMessageChars])
	}

	c.mu.Lock()
	inSession := c.state == StateInSession
	c.mu.Unlock()
	if !inSession {
		return
	}

	if err := c.ch.Emit(protocol.EventSendMessage, protocol.SendMessagePayload{Text: text}); err != nil {
		log.Debug().Err(err).Msg("send-message emit failed")
	}
}

// SetChatPanelOpen records whether the chat panel is visible. Opening the
// panel resets the unread counter; messages received while it is open never
// increment it.
func (c *Client) SetChatPanelOpen(open bool) {
	c.mu.Lock()
	c.panelOpen = open
	if open {
		c.unread = 0
	}
	c.mu.Unlock()
	c.notify()
}

// Unread returns the number of messages received since the panel was last
// open.
func (c *Client) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// Transcript returns a copy of the local chat transcript.
func (c *Client) Transcript() []protocol.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ChatMessage(nil), c.chat...)
}

func (c *Client) handleNewMessage(data json.RawMessage) {
	if c.deferIfJoining(c.handleNewMessage, data) {
		return
	}
	var msg protocol.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Msg("malformed new-message payload")
		return
	}

	c.mu.Lock()
	if c.state != StateInSession {
		c.mu.Unlock()
		return
	}
	// A message in the adopted snapshot's tail can also arrive as a
	// broadcast queued before the join completed; the server-assigned id
	// makes the duplicate detectable.
	for i := len(c.chat) - 1; i >= 0; i-- {
		if c.chat[i].ID == msg.ID {
			c.mu.Unlock()
			return
		}
	}
	c.chat = append(c.chat, msg)
	if !c.panelOpen {
		c.unread++
	}
	c.mu.Unlock()
	c.notify()
}
