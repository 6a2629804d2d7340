// Package conversation keeps per-participant dialogue state for every
// channel. State lives for the lifetime of the process; there is no expiry.
package conversation

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Status is the reply mode of a conversation.
type Status string

const (
	// StatusActive lets the bot answer.
	StatusActive Status = "active"
	// StatusPaused hands the conversation to a human operator.
	StatusPaused Status = "paused"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one immutable entry of the conversation context.
type Turn struct {
	Role    Role
	Content string
}

// State is the dialogue state of one (channel, participant) pair.
// Callers hold Lock for the whole processing of a message; the accessors
// below assume the lock is held.
type State struct {
	mu sync.Mutex

	// ID is stable for the lifetime of the conversation and is written to
	// every audit row.
	ID          string
	Channel     string
	Participant string

	Status  Status
	Context []Turn

	// LastQuestion is the last assistant reply that asked something.
	LastQuestion string
	// LastMediaPrompt is the first media tag of that reply, if any.
	LastMediaPrompt  string
	AwaitingResponse bool
}

// Lock serializes processing for this conversation.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the processing lock.
func (s *State) Unlock() { s.mu.Unlock() }

// Append adds turns to the context. The context is never trimmed.
func (s *State) Append(turns ...Turn) {
	s.Context = append(s.Context, turns...)
}

// Recent returns a copy of the last n turns.
func (s *State) Recent(n int) []Turn {
	if n <= 0 || len(s.Context) == 0 {
		return nil
	}
	start := max(0, len(s.Context)-n)
	out := make([]Turn, len(s.Context)-start)
	copy(out, s.Context[start:])
	return out
}

// Paused reports whether a human operator owns the conversation.
func (s *State) Paused() bool { return s.Status == StatusPaused }

// Pending reports whether the bot asked a question that is still open.
func (s *State) Pending() bool { return s.AwaitingResponse && s.LastQuestion != "" }

// NoteReply records the pending-question state after a reply was produced.
// asked is true when the reply contains a question mark; firstTag is the
// first media tag found in the reply ("" when none).
func (s *State) NoteReply(reply string, asked bool, firstTag string) {
	if asked {
		s.LastQuestion = reply
		s.AwaitingResponse = true
		s.LastMediaPrompt = firstTag
		return
	}
	s.ClearPending()
}

// ClearPending forgets the open question and its media tag.
func (s *State) ClearPending() {
	s.LastQuestion = ""
	s.LastMediaPrompt = ""
	s.AwaitingResponse = false
}

// Snapshot is a lock-free copy of a State for inspection.
type Snapshot struct {
	ID               string `json:"id"`
	Channel          string `json:"channel"`
	Participant      string `json:"participant"`
	Status           Status `json:"status"`
	Turns            int    `json:"turns"`
	LastQuestion     string `json:"last_question,omitempty"`
	LastMediaPrompt  string `json:"last_media_prompt,omitempty"`
	AwaitingResponse bool   `json:"awaiting_response"`
}

// Registry owns every conversation State. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	states map[string]*State
	mu     sync.RWMutex
	newID  func() string
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator replaces the uuid generator (used in tests).
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		states: make(map[string]*State),
		newID:  func() string { return uuid.New().String() },
		logger: logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the state for (channel, participant), creating an
// active one with empty context on first use. Concurrent callers for the
// same key always get the same *State.
func (r *Registry) GetOrCreate(channel, participant string) *State {
	key := stateKey(channel, participant)

	r.mu.RLock()
	if st, ok := r.states[key]; ok {
		r.mu.RUnlock()
		return st
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if st, ok := r.states[key]; ok {
		return st
	}

	st := &State{
		ID:          r.newID(),
		Channel:     channel,
		Participant: participant,
		Status:      StatusActive,
		Context:     []Turn{},
	}
	r.states[key] = st

	r.logger.Debug("conversation: created",
		"channel", channel,
		"participant", participant,
		"conversation_id", st.ID)

	return st
}

// Get returns the state for (channel, participant) or nil.
func (r *Registry) Get(channel, participant string) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[stateKey(channel, participant)]
}

// Count returns the number of known conversations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// List returns snapshots of every conversation of a channel.
func (r *Registry) List(channel string) []Snapshot {
	r.mu.RLock()
	states := make([]*State, 0, len(r.states))
	for _, st := range r.states {
		if st.Channel == channel {
			states = append(states, st)
		}
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(states))
	for _, st := range states {
		st.Lock()
		out = append(out, Snapshot{
			ID:               st.ID,
			Channel:          st.Channel,
			Participant:      st.Participant,
			Status:           st.Status,
			Turns:            len(st.Context),
			LastQuestion:     st.LastQuestion,
			LastMediaPrompt:  st.LastMediaPrompt,
			AwaitingResponse: st.AwaitingResponse,
		})
		st.Unlock()
	}
	return out
}

func stateKey(channel, participant string) string {
	return channel + ":" + participant
}
