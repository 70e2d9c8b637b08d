package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies who produced a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one finalized turn in the conversation log
type Message struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Assembler collects partial transcripts for the current turn and appends
// finalized messages to an ordered, append-only log
type Assembler struct {
	inbound  strings.Builder
	outbound strings.Builder
	log      []Message
	now      func() time.Time

	mu sync.Mutex
}

// NewAssembler creates an empty assembler
func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// AppendInput adds a fragment of the user's speech-to-text
func (a *Assembler) AppendInput(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inbound.WriteString(text)
}

// AppendOutput adds a fragment of the assistant's speech transcript
func (a *Assembler) AppendOutput(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outbound.WriteString(text)
}

// TurnComplete flushes both accumulators. The user message, if any, comes
// first. Empty accumulators produce nothing.
func (a *Assembler) TurnComplete() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	var flushed []Message
	if a.inbound.Len() > 0 {
		flushed = append(flushed, a.appendLocked(RoleUser, a.inbound.String()))
		a.inbound.Reset()
	}
	if a.outbound.Len() > 0 {
		flushed = append(flushed, a.appendLocked(RoleAssistant, a.outbound.String()))
		a.outbound.Reset()
	}
	return flushed
}

// Add appends a message that did not come from streamed fragments, such as a
// greeting or a typed question
func (a *Assembler) Add(role Role, text string) Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appendLocked(role, text)
}

func (a *Assembler) appendLocked(role Role, text string) Message {
	msg := Message{Role: role, Text: text, At: a.now()}
	a.log = append(a.log, msg)
	return msg
}

// Pending returns the current, not yet flushed, accumulator contents
func (a *Assembler) Pending() (input, output string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inbound.String(), a.outbound.String()
}

// DiscardPending drops partial fragments without emitting them
func (a *Assembler) DiscardPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inbound.Reset()
	a.outbound.Reset()
}

// Messages returns a copy of the log, oldest first
func (a *Assembler) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Message, len(a.log))
	copy(out, a.log)
	return out
}

// Len returns the number of messages in the log
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.log)
}
