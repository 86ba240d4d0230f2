package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/comigor/weathergpt-go/internal/logger"
)

// Persistence keys.
const (
	KeySessions        = "sessions"
	KeyCurrentSession  = "current_session_id"
	KeySettings        = "settings"
	KeyLocationHistory = "location_history"
)

// MaxLocationHistory caps the remembered locations.
const MaxLocationHistory = 15

const (
	interruptedMessage  = "This response was interrupted before it finished."
	interruptedOpReason = "Generation was interrupted by a restart. Please try again."
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrTurnInFlight    = errors.New("a response is already streaming in this session")
)

// KeyValue is the opaque persistence backend.
type KeyValue interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// Store owns every session and the user's preferences. All mutations are
// keyed by identifier and run under a single mutex, so a write-back is one
// atomic step as seen by readers. Readers only ever get deep copies.
type Store struct {
	mu        sync.Mutex
	sessions  []*Session // newest first
	currentID string
	settings  Settings
	locations []string

	kv      KeyValue
	limiter *rate.Limiter
	dirty   chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	now   func() time.Time
	newID func() string
	log   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs overrides uuid generation.
func WithIDs(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// WithFlushInterval sets the minimum spacing between persistence writes.
// Streaming produces a mutation per fragment, so writes are coalesced.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithSettings sets the initial settings (before Restore).
func WithSettings(settings Settings) Option {
	return func(s *Store) { s.settings = settings }
}

// NewStore creates a store. kv may be nil, in which case nothing is persisted.
func NewStore(kv KeyValue, opts ...Option) *Store {
	s := &Store{
		settings: DefaultSettings(),
		kv:       kv,
		limiter:  rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		dirty:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		log:      logger.Component("store"),
	}
	for _, o := range opts {
		o(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if kv == nil {
		close(s.done)
		return s
	}
	go s.run(ctx)
	return s
}

// NewID returns a fresh identifier.
func (s *Store) NewID() string { return s.newID() }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

// Restore loads persisted state. Failures are logged and the affected part
// starts fresh; Restore never fails.
func (s *Store) Restore() {
	if s.kv == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []*Session
	if s.load(KeySessions, &sessions) {
		for _, sess := range sessions {
			if sess == nil || sess.ID == "" {
				continue
			}
			settle(sess)
			s.sessions = append(s.sessions, sess)
		}
	}

	var settings Settings
	if s.load(KeySettings, &settings) {
		merged := s.settings
		if settings.DefaultModel != "" {
			merged.DefaultModel = settings.DefaultModel
		}
		if settings.Voice != "" {
			merged.Voice = settings.Voice
		}
		if settings.Units != "" {
			merged.Units = settings.Units
		}
		merged.ConversationalMode = settings.ConversationalMode
		s.settings = merged
	}

	var locations []string
	if s.load(KeyLocationHistory, &locations) {
		if len(locations) > MaxLocationHistory {
			locations = locations[:MaxLocationHistory]
		}
		s.locations = locations
	}

	var current string
	s.load(KeyCurrentSession, &current)
	if s.find(current) == nil && len(s.sessions) > 0 {
		current = s.sessions[0].ID
	}
	if s.find(current) != nil {
		s.currentID = current
	}
	s.log.Info("state restored", "sessions", len(s.sessions), "current", s.currentID, "locations", len(s.locations))
}

func (s *Store) load(key string, v any) bool {
	raw, ok, err := s.kv.Get(key)
	if err != nil {
		s.log.Warn("failed to load persisted state; starting fresh", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.log.Warn("persisted state is corrupt; starting fresh", "key", key, "error", err)
		return false
	}
	return true
}

// settle finalizes anything a previous process left in flight.
func settle(sess *Session) {
	for i := range sess.Messages {
		m := &sess.Messages[i]
		if m.IsStreaming {
			m.IsStreaming = false
			if m.Content == "" {
				m.Content = interruptedMessage
			}
		}
		if m.Role == RoleAssistant {
			m.AudioState = AudioIdle
		}
		if m.ImageResult != nil && m.ImageResult.Status == StatusGenerating {
			m.ImageResult.Status = StatusError
			m.ImageResult.Error = interruptedOpReason
		}
		if m.VideoResult != nil && m.VideoResult.Status == StatusGenerating {
			m.VideoResult.Status = StatusError
			m.VideoResult.Error = interruptedOpReason
		}
	}
}

func (s *Store) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.dirty:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.flush(); err != nil {
				s.log.Error("failed to persist state", "error", err)
			}
		}
	}
}

func (s *Store) markDirty() {
	if s.kv == nil {
		return
	}
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) flush() error {
	if s.kv == nil {
		return nil
	}
	s.mu.Lock()
	sessions := make([]Session, len(s.sessions))
	for i, sess := range s.sessions {
		sessions[i] = sess.Clone()
	}
	current := s.currentID
	settings := s.settings
	locations := append([]string(nil), s.locations...)
	s.mu.Unlock()

	values := map[string]any{
		KeySessions:        sessions,
		KeyCurrentSession:  current,
		KeySettings:        settings,
		KeyLocationHistory: locations,
	}
	var errs []error
	for key, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.kv.Put(key, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the background writer and performs a final flush.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.flush()
	})
	return err
}

func (s *Store) find(id string) *Session {
	if id == "" {
		return nil
	}
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

func findMessage(sess *Session, id string) *Message {
	for i := range sess.Messages {
		if sess.Messages[i].ID == id {
			return &sess.Messages[i]
		}
	}
	return nil
}

// Settings returns the current preferences.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings applies fn and returns the new preferences.
func (s *Store) UpdateSettings(fn func(*Settings)) Settings {
	s.mu.Lock()
	fn(&s.settings)
	out := s.settings
	s.mu.Unlock()
	s.markDirty()
	return out
}

// CreateSession adds a new empty session at the front and makes it current.
func (s *Store) CreateSession(model ModelTier) Session {
	s.mu.Lock()
	if model == "" {
		model = s.settings.DefaultModel
	}
	sess := &Session{
		ID:        s.newID(),
		Title:     DefaultTitle,
		CreatedAt: s.now(),
		Model:     model,
		Messages:  []Message{},
	}
	s.sessions = append([]*Session{sess}, s.sessions...)
	s.currentID = sess.ID
	out := sess.Clone()
	s.mu.Unlock()

	s.markDirty()
	return out
}

// CurrentID returns the current session id, or "" when there is none.
func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// SetCurrent switches the current session.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	if s.find(id) == nil {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.currentID = id
	s.mu.Unlock()
	s.markDirty()
	return nil
}

// Session returns a copy of the session.
func (s *Store) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.find(id)
	if sess == nil {
		return Session{}, false
	}
	return sess.Clone(), true
}

// Sessions lists every session, newest first.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.Clone()
	}
	return out
}

// DeleteSession removes a session. Deleting the current session moves
// "current" to the newest remaining one.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	idx := -1
	for i, sess := range s.sessions {
		if sess.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	if s.currentID == id {
		s.currentID = ""
		if len(s.sessions) > 0 {
			s.currentID = s.sessions[0].ID
		}
	}
	s.mu.Unlock()
	s.markDirty()
	return nil
}

// TruncateFrom drops messageID and every message after it.
func (s *Store) TruncateFrom(sessionID, messageID string) error {
	s.mu.Lock()
	sess := s.find(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	idx := -1
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	sess.Messages = sess.Messages[:idx:idx]
	s.mu.Unlock()
	s.markDirty()
	return nil
}

// AppendTurn appends a user message and its assistant placeholder as one
// step. It refuses when the session already has a streaming placeholder.
// first reports whether these are the session's first messages.
func (s *Store) AppendTurn(sessionID string, user, placeholder Message) (first bool, err error) {
	s.mu.Lock()
	sess := s.find(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return false, ErrSessionNotFound
	}
	for _, m := range sess.Messages {
		if m.IsStreaming {
			s.mu.Unlock()
			return false, ErrTurnInFlight
		}
	}
	first = len(sess.Messages) == 0
	sess.Messages = append(sess.Messages, user, placeholder)
	s.mu.Unlock()
	s.markDirty()
	return first, nil
}

// Streaming reports whether the session has an in-flight placeholder.
func (s *Store) Streaming(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.find(sessionID)
	if sess == nil {
		return false
	}
	for _, m := range sess.Messages {
		if m.IsStreaming {
			return true
		}
	}
	return false
}

// Message returns a copy of one message.
func (s *Store) Message(sessionID, messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.find(sessionID)
	if sess == nil {
		return Message{}, false
	}
	m := findMessage(sess, messageID)
	if m == nil {
		return Message{}, false
	}
	return m.Clone(), true
}

// UpdateMessage applies fn to one message in a single critical section. It
// returns false, without calling fn, when the session or message no longer
// exists; async write-backs rely on this instead of assuming liveness.
func (s *Store) UpdateMessage(sessionID, messageID string, fn func(*Message)) bool {
	s.mu.Lock()
	sess := s.find(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return false
	}
	m := findMessage(sess, messageID)
	if m == nil {
		s.mu.Unlock()
		return false
	}
	fn(m)
	s.mu.Unlock()
	s.markDirty()
	return true
}

// UpdateMessages applies fn to every message of a session in a single
// critical section.
func (s *Store) UpdateMessages(sessionID string, fn func(*Message)) bool {
	s.mu.Lock()
	sess := s.find(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return false
	}
	for i := range sess.Messages {
		fn(&sess.Messages[i])
	}
	s.mu.Unlock()
	s.markDirty()
	return true
}

// SetTitle overwrites a session title. Returns false if the session is gone.
func (s *Store) SetTitle(sessionID, title string) bool {
	s.mu.Lock()
	sess := s.find(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return false
	}
	sess.Title = title
	s.mu.Unlock()
	s.markDirty()
	return true
}

// RememberLocation records a location as the most recent one. A location is
// never stored twice: mentioning it again moves it to the front. The list is
// capped at MaxLocationHistory.
func (s *Store) RememberLocation(location string) []string {
	location = strings.TrimSpace(location)
	s.mu.Lock()
	if location == "" {
		out := append([]string(nil), s.locations...)
		s.mu.Unlock()
		return out
	}
	next := make([]string, 0, len(s.locations)+1)
	next = append(next, location)
	for _, l := range s.locations {
		if l != location {
			next = append(next, l)
		}
	}
	if len(next) > MaxLocationHistory {
		next = next[:MaxLocationHistory]
	}
	s.locations = next
	out := append([]string(nil), next...)
	s.mu.Unlock()
	s.markDirty()
	return out
}

// Locations returns the location history, most recent first.
func (s *Store) Locations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.locations...)
}

// Suggestions returns remembered locations starting with prefix, compared
// case-insensitively. An empty prefix yields nothing.
func (s *Store) Suggestions(prefix string) []string {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.locations {
		if strings.HasPrefix(strings.ToLower(l), prefix) {
			out = append(out, l)
		}
	}
	return out
}
