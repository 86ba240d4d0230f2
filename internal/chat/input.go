package chat

import (
	"strings"
	"sync"
)

// InputBuffer is the pending user input shared by the keyboard, the capture
// engine and the turn orchestrator.
type InputBuffer struct {
	mu   sync.Mutex
	text string
}

// Set replaces the buffer.
func (b *InputBuffer) Set(text string) {
	b.mu.Lock()
	b.text = text
	b.mu.Unlock()
}

// Append adds a transcribed utterance, space separated.
func (b *InputBuffer) Append(text string) {
	b.mu.Lock()
	b.text = strings.TrimSpace(b.text + " " + text)
	b.mu.Unlock()
}

// String returns the current contents.
func (b *InputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// Clear empties the buffer.
func (b *InputBuffer) Clear() { b.Set("") }
