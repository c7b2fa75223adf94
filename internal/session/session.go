// Package session runs chat turns: it persists the user message, streams the
// game-master reply into a live log entry and hands the finished output to
// the state applier.
package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/youruser/hogsim/internal/config"
	"github.com/youruser/hogsim/internal/llm"
	"github.com/youruser/hogsim/internal/logging"
	"github.com/youruser/hogsim/internal/state"
	"github.com/youruser/hogsim/internal/store"
)

var log = logging.Get()

var ErrBusy = errors.New("a turn is already in progress")

// Store is the slice of the record store a session uses.
type Store interface {
	GetCharacter(ctx context.Context, id int64) (*store.Character, error)
	AddLog(ctx context.Context, entry store.ChatLog) (store.ChatLog, error)
	UpdateLog(ctx context.Context, id int64, patch store.LogPatch) error
	DeleteLog(ctx context.Context, id int64) error
	RecentLogs(ctx context.Context, characterID int64, limit int) ([]store.ChatLog, error)
}

type ChatClient interface {
	OpenChatStream(ctx context.Context, req llm.ChatRequest) (*llm.Stream, error)
}

type Applier interface {
	Apply(ctx context.Context, characterID int64, raw string) state.Outcome
}

type Options struct {
	Config   config.Config
	Store    Store
	Client   ChatClient
	Applier  Applier
	Notifier Notifier
	// OnIdle runs after every turn, whatever its result.
	OnIdle func(characterID int64)
}

// Session is the chat controller for one front end. At most one turn runs
// at a time.
type Session struct {
	cfg      config.Config
	store    Store
	client   ChatClient
	applier  Applier
	notifier Notifier
	onIdle   func(characterID int64)

	mu     sync.Mutex
	turn   string // id of the in-flight turn, empty when idle
	cancel context.CancelFunc
}

func New(opts Options) *Session {
	n := opts.Notifier
	if n == nil {
		n = NopNotifier{}
	}
	return &Session{
		cfg:      opts.Config,
		store:    opts.Store,
		client:   opts.Client,
		applier:  opts.Applier,
		notifier: n,
		onIdle:   opts.OnIdle,
	}
}

// IsLoading reports whether a turn is in flight.
func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn != ""
}

// Stop cancels the in-flight turn and marks the session idle at once.
// Returns false when nothing was running.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	log.Info("Stopping turn %s", s.turn)
	s.cancel()
	s.cancel = nil
	s.turn = ""
	return true
}

func (s *Session) begin(parent context.Context) (string, context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != "" {
		return "", nil, nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(parent)
	s.turn = uuid.NewString()
	s.cancel = cancel
	return s.turn, ctx, cancel, nil
}

// finish clears the busy state only if it still belongs to this turn: a
// stopped turn must not clear a newer one.
func (s *Session) finish(turn string, cancel context.CancelFunc, characterID int64) {
	cancel()
	s.mu.Lock()
	if s.turn == turn {
		s.turn = ""
		s.cancel = nil
	}
	s.mu.Unlock()

	if s.onIdle != nil {
		s.onIdle(characterID)
	}
}

// turnState is what a turn has accumulated so far.
type turnState struct {
	placeholderID int64
	raw           strings.Builder
	reasoning     strings.Builder
	display       string
}

// SendMessage runs one turn. Blank text is ignored. Errors are reported
// through the notifier and returned. A turn ended by Stop returns nil.
func (s *Session) SendMessage(ctx context.Context, characterID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	turn, turnCtx, cancel, err := s.begin(ctx)
	if err != nil {
		s.report(err)
		return err
	}
	defer s.finish(turn, cancel, characterID)

	log.Debug("Turn %s started for character %d", turn, characterID)

	ts := &turnState{}
	err = s.runTurn(turnCtx, characterID, text, ts)
	switch {
	case err == nil:
		log.Debug("Turn %s finished", turn)
		return nil
	case turnCtx.Err() != nil:
		log.Info("Turn %s cancelled", turn)
		s.onCancel(turnCtx, characterID, ts)
		return nil
	default:
		log.Error("Turn %s failed: %v", turn, err)
		s.report(err)
		return err
	}
}

func (s *Session) runTurn(ctx context.Context, characterID int64, text string, ts *turnState) error {
	if err := s.cfg.RequireAPIKey(); err != nil {
		return err
	}

	character, err := s.store.GetCharacter(ctx, characterID)
	if err != nil {
		return err
	}

	if _, err := s.store.AddLog(ctx, store.ChatLog{
		CharacterID: characterID,
		Role:        store.RoleUser,
		Content:     text,
	}); err != nil {
		return err
	}

	history, err := s.store.RecentLogs(ctx, characterID, s.cfg.HistoryWindow)
	if err != nil {
		return err
	}

	stream, err := s.client.OpenChatStream(ctx, buildChatRequest(s.cfg, character, history))
	if err != nil {
		return err
	}
	defer stream.Close()

	placeholder, err := s.store.AddLog(ctx, store.ChatLog{
		CharacterID: characterID,
		Role:        store.RoleAssistant,
	})
	if err != nil {
		return err
	}
	ts.placeholderID = placeholder.ID

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		log.Stream(ev.Type, ev.Content)

		switch ev.Type {
		case llm.EventThought:
			ts.reasoning.WriteString(ev.Content)
			reasoning := ts.reasoning.String()
			if err := s.store.UpdateLog(ctx, ts.placeholderID, store.LogPatch{ReasoningContent: &reasoning}); err != nil {
				return err
			}
		default:
			ts.raw.WriteString(ev.Content)
			if err := s.writeDisplay(ctx, ts, false); err != nil {
				return err
			}
		}
	}

	if err := s.writeDisplay(ctx, ts, true); err != nil {
		return err
	}

	outcome := s.applier.Apply(ctx, characterID, ts.raw.String())
	log.Debug("State patch for character %d: %s", characterID, outcome)
	return nil
}

// writeDisplay stores the visible part of the reply when it changed.
func (s *Session) writeDisplay(ctx context.Context, ts *turnState, final bool) error {
	next := state.DisplayText(ts.raw.String(), final)
	if next == ts.display {
		return nil
	}
	if err := s.store.UpdateLog(ctx, ts.placeholderID, store.LogPatch{Content: &next}); err != nil {
		return err
	}
	ts.display = next
	return nil
}

// onCancel applies the configured policy to a stopped turn. The log entry
// is never written again, whatever the policy.
func (s *Session) onCancel(ctx context.Context, characterID int64, ts *turnState) {
	if s.cfg.CancelPolicy != config.CancelApply || ts.raw.Len() == 0 {
		return
	}
	outcome := s.applier.Apply(context.WithoutCancel(ctx), characterID, ts.raw.String())
	log.Info("State patch for stopped turn on character %d: %s", characterID, outcome)
}

// DeleteMessage removes one log entry.
func (s *Session) DeleteMessage(ctx context.Context, id int64) error {
	if err := s.store.DeleteLog(ctx, id); err != nil {
		s.report(err)
		return err
	}
	s.notifier.Notify(LevelSuccess, "Message deleted")
	return nil
}

// UpdateMessage replaces the display content of one log entry.
func (s *Session) UpdateMessage(ctx context.Context, id int64, content string) error {
	if err := s.store.UpdateLog(ctx, id, store.LogPatch{Content: &content}); err != nil {
		s.report(err)
		return err
	}
	s.notifier.Notify(LevelSuccess, "Message updated")
	return nil
}

func (s *Session) report(err error) {
	s.notifier.Notify(LevelError, UserMessage(err))
}

func buildChatRequest(cfg config.Config, c *store.Character, history []store.ChatLog) llm.ChatRequest {
	messages := make([]llm.Message, 0, len(history))
	for _, l := range history {
		messages = append(messages, llm.Message{Role: l.Role, Content: l.Content})
	}
	return llm.ChatRequest{
		Messages:  messages,
		Summary:   c.Summary,
		Persona:   c.Persona,
		GameState: gameState(c),
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
	}
}

func gameState(c *store.Character) llm.GameState {
	return llm.GameState{
		Profile: llm.Profile{
			Name:        c.Name,
			Gender:      c.Gender,
			House:       c.House,
			BloodStatus: c.BloodStatus,
			Wand:        c.Wand,
			Patronus:    c.Patronus,
		},
		Status:        c.Status,
		Inventory:     c.Inventory,
		Spells:        c.Spells,
		Relationships: c.Relationships,
		WorldLog:      c.WorldLog,
	}
}
