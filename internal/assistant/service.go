// Package assistant answers chat and voice requests locally with an OpenAI
// chat model, caching replies and limiting request rate.
package assistant

import (
	"context"
	"encoding/base64"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/time/rate"

	"yara/internal/session"
)

const (
	CacheSize    = 100
	CacheTTL     = time.Hour
	RatePerMin   = 60
	RateBurst    = 10
	HistoryTurns = 20

	rateLimitedMsg = "Rate limit exceeded. Please wait a moment."
)

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Options struct {
	CacheTTL time.Duration
	// Limit is requests per minute, Burst the bucket size.
	Limit int
	Burst int
}

// Service implements session.Inference and session.HistorySource.
type Service struct {
	llm     Completer
	tts     Synthesizer
	cache   *ristretto.Cache[string, string]
	ttl     time.Duration
	limiter *rate.Limiter

	mu      sync.Mutex
	history []session.HistoryItem
	now     func() time.Time
}

var (
	_ session.Inference     = (*Service)(nil)
	_ session.HistorySource = (*Service)(nil)
)

func New(llm Completer, tts Synthesizer, opt Options) (*Service, error) {
	if opt.CacheTTL <= 0 {
		opt.CacheTTL = CacheTTL
	}
	if opt.Limit <= 0 {
		opt.Limit = RatePerMin
	}
	if opt.Burst <= 0 {
		opt.Burst = RateBurst
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters:        CacheSize * 10,
		MaxCost:            CacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}

	return &Service{
		llm:     llm,
		tts:     tts,
		cache:   cache,
		ttl:     opt.CacheTTL,
		limiter: rate.NewLimiter(rate.Limit(opt.Limit)/60, opt.Burst),
		now:     time.Now,
	}, nil
}

func (s *Service) Close() {
	s.cache.Close()
}

// Chat answers with the recent conversation as context.
func (s *Service) Chat(ctx context.Context, message string) (session.Reply, error) {
	return s.respond(ctx, message, true)
}

// Voice answers the message on its own, without the conversation, and
// attaches the spoken reply. A synthesis failure still returns the text.
func (s *Service) Voice(ctx context.Context, text string) (session.Reply, error) {
	reply, err := s.respond(ctx, text, false)
	if err != nil || reply.Error != "" || s.tts == nil {
		return reply, err
	}

	wav, err := s.tts.Synthesize(ctx, reply.Text)
	if err != nil {
		log.Warn("Speech synthesis failed", "err", err)
		return reply, nil
	}
	reply.Audio = base64.StdEncoding.EncodeToString(wav)
	return reply, nil
}

func (s *Service) respond(ctx context.Context, message string, withContext bool) (session.Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return session.Reply{Error: "No message provided"}, nil
	}
	if !s.limiter.Allow() {
		log.Warn("Request rate limited")
		return session.Reply{Error: rateLimitedMsg}, nil
	}

	text, err := s.answer(ctx, message, withContext)
	if err != nil {
		return session.Reply{}, err
	}
	return session.Reply{Text: text}, nil
}

func (s *Service) History(context.Context) ([]session.HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.HistoryItem(nil), s.history...), nil
}

// answer caches replies by the whole prompt, so a contextual answer is only
// reused for the same conversation.
func (s *Service) answer(ctx context.Context, message string, withContext bool) (string, error) {
	var turns []Turn
	if withContext {
		turns = s.turns()
	}

	key := cacheKey(turns, message)
	if text, ok := s.cache.Get(key); ok {
		log.Debug("Response cache hit", "message", message)
		s.remember(message, text)
		return text, nil
	}

	text, err := s.llm.Complete(ctx, turns, message)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)

	s.cache.SetWithTTL(key, text, 1, s.ttl)
	s.cache.Wait()
	s.remember(message, text)
	return text, nil
}

func (s *Service) turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.history
	if len(items) > HistoryTurns {
		items = items[len(items)-HistoryTurns:]
	}
	out := make([]Turn, len(items))
	for i, it := range items {
		out[i] = Turn{Content: it.Message, IsUser: it.IsUser}
	}
	return out
}

func (s *Service) remember(message, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.history = append(s.history,
		session.HistoryItem{Message: message, IsUser: true, Timestamp: now},
		session.HistoryItem{Message: reply, IsUser: false, Timestamp: now},
	)
}

func cacheKey(turns []Turn, message string) string {
	var b strings.Builder
	for _, t := range turns {
		if t.IsUser {
			b.WriteString("user: ")
		} else {
			b.WriteString("yara: ")
		}
		b.WriteString(normalize(t.Content))
		b.WriteByte('\n')
	}
	b.WriteString("user: ")
	b.WriteString(normalize(message))
	return b.String()
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
