package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudvoice/cloudvoice/internal/llm"
)

// session owns one conversation's transcript. The mutex serializes
// whole turns so concurrent requests against the same conversation
// never interleave their edits.
type session struct {
	id        string
	mu        sync.Mutex
	messages  []llm.Message
	createdAt time.Time
	updatedAt time.Time
}

// snapshot copies the transcript for provider calls, so the session
// lock is never held across network I/O by reference.
func (s *session) snapshot() []llm.Message {
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *session) append(msg llm.Message) {
	s.messages = append(s.messages, msg)
	s.updatedAt = time.Now()
}

// popDanglingToolCall removes a trailing assistant message that
// carries an unanswered tool call. Transcripts must never rest in
// that state. Returns true if something was removed.
func (s *session) popDanglingToolCall() bool {
	n := len(s.messages)
	if n == 0 {
		return false
	}
	last := s.messages[n-1]
	if last.Role != "assistant" || len(last.ToolCalls) == 0 {
		return false
	}
	s.messages = s.messages[:n-1]
	return true
}

// sessionStore keeps per-conversation sessions.
type sessionStore struct {
	mu           sync.Mutex
	sessions     map[string]*session
	systemPrompt string
}

func newSessionStore(systemPrompt string) *sessionStore {
	return &sessionStore{
		sessions:     make(map[string]*session),
		systemPrompt: systemPrompt,
	}
}

// get returns the session for id, creating it if needed. An empty id
// starts a fresh conversation.
func (st *sessionStore) get(id string) *session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if id == "" {
		id = uuid.New().String()
	}
	if s, ok := st.sessions[id]; ok {
		return s
	}

	now := time.Now()
	s := &session{
		id:        id,
		createdAt: now,
		updatedAt: now,
	}
	if st.systemPrompt != "" {
		s.messages = append(s.messages, llm.Message{Role: "system", Content: st.systemPrompt})
	}
	st.sessions[id] = s
	return s
}

// len reports how many sessions are live.
func (st *sessionStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
