package messaging

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// OptionMenu renders interactive messages as numbered text for transports without
// native buttons, and remembers the options last offered to each recipient so a
// numeric or title reply can be mapped back to the option id.
type OptionMenu struct {
	mu      sync.Mutex
	pending map[string]offeredOptions
}

type offeredOptions struct {
	kind    models.MessageKind
	options []models.MessageOption
}

// NewOptionMenu creates an empty OptionMenu.
func NewOptionMenu() *OptionMenu {
	return &OptionMenu{pending: make(map[string]offeredOptions)}
}

// Render returns the text body for msg. Options are appended as a numbered list and
// remembered for msg.To; any other message clears what was remembered.
func (m *OptionMenu) Render(msg models.OutboundMessage) string {
	var b strings.Builder
	if msg.Header != "" {
		b.WriteString("*" + msg.Header + "*\n")
	}
	b.WriteString(msg.Body)

	interactive := msg.Kind != models.MessageText && len(msg.Options) > 0
	if interactive {
		b.WriteString("\n")
		for i, o := range msg.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, o.Title)
			if o.Description != "" {
				b.WriteString(" - " + o.Description)
			}
		}
		b.WriteString("\n\nReply with the number of your choice.")
	}
	if msg.Footer != "" {
		b.WriteString("\n\n_" + msg.Footer + "_")
	}

	m.mu.Lock()
	if interactive {
		opts := make([]models.MessageOption, len(msg.Options))
		copy(opts, msg.Options)
		m.pending[msg.To] = offeredOptions{kind: msg.Kind, options: opts}
	} else {
		delete(m.pending, msg.To)
	}
	m.mu.Unlock()
	return b.String()
}

// Resolve turns a text reply that selects a remembered option into a button or list
// reply. Other events are returned unchanged.
func (m *OptionMenu) Resolve(evt models.InboundEvent) models.InboundEvent {
	if evt.Type != models.EventMessage {
		return evt
	}
	text := strings.TrimSpace(evt.Text)
	if text == "" {
		return evt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	offered, ok := m.pending[evt.From]
	if !ok {
		return evt
	}

	choice := -1
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(offered.options) {
		choice = n - 1
	} else {
		for i, o := range offered.options {
			if strings.EqualFold(strings.TrimSpace(o.Title), text) {
				choice = i
				break
			}
		}
	}
	if choice < 0 {
		return evt
	}

	delete(m.pending, evt.From)
	selected := offered.options[choice]
	evt.Type = models.EventButtonReply
	if offered.kind == models.MessageInteractiveList {
		evt.Type = models.EventListReply
	}
	evt.Payload = selected.ID
	evt.Text = selected.Title
	return evt
}
