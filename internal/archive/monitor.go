// Package archive folds old chat logs into a character's narrative summary.
//
// The background path (Evaluate, Trigger) never reports to the user except
// on success. The interactive path (SummarizeNow) reports every outcome.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/youruser/hogsim/internal/config"
	"github.com/youruser/hogsim/internal/llm"
	"github.com/youruser/hogsim/internal/logging"
	"github.com/youruser/hogsim/internal/session"
	"github.com/youruser/hogsim/internal/store"
	"golang.org/x/sync/semaphore"
)

var log = logging.Get()

var ErrInProgress = errors.New("archival already running for this character")

// Store is the slice of the record store the monitor uses.
type Store interface {
	GetCharacter(ctx context.Context, id int64) (*store.Character, error)
	CountLogsAfter(ctx context.Context, characterID, after int64) (int, error)
	LogsAfter(ctx context.Context, characterID, after int64) ([]store.ChatLog, error)
	UpdateCharacter(ctx context.Context, id int64, fn func(c *store.Character) error) (*store.Character, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, req llm.SummarizeRequest) (string, error)
}

type Options struct {
	Config     config.Config
	Store      Store
	Summarizer Summarizer
	Notifier   session.Notifier
	// Busy reports whether a chat turn is in flight. Archival waits for idle.
	Busy func() bool
}

// Outcome says how an archival run ended.
type Outcome string

const (
	OutcomeBusy           Outcome = "busy"
	OutcomeLocked         Outcome = "locked"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeNoCredential   Outcome = "no_credential"
	OutcomeEmpty          Outcome = "empty_summary"
	OutcomeFailed         Outcome = "failed"
	OutcomeArchived       Outcome = "archived"
)

type Result struct {
	Outcome   Outcome
	Pending   int   // unsummarized entries found
	Folded    int   // entries folded into the new chapter
	Watermark int64 // last_summary_timestamp after the run
}

// Monitor runs archival, at most once at a time per character.
type Monitor struct {
	cfg        config.Config
	store      Store
	summarizer Summarizer
	notifier   session.Notifier
	busy       func() bool

	mu    sync.Mutex
	locks map[int64]*semaphore.Weighted

	wg sync.WaitGroup
}

func New(opts Options) *Monitor {
	n := opts.Notifier
	if n == nil {
		n = session.NopNotifier{}
	}
	return &Monitor{
		cfg:        opts.Config,
		store:      opts.Store,
		summarizer: opts.Summarizer,
		notifier:   n,
		busy:       opts.Busy,
		locks:      make(map[int64]*semaphore.Weighted),
	}
}

func (m *Monitor) lock(characterID int64) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.locks[characterID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		m.locks[characterID] = sem
	}
	return sem
}

// Evaluate archives the character's logs when enough have piled up since
// the last run. It skips while a turn is in flight or another run for the
// same character holds the lock. The error is for logging only.
func (m *Monitor) Evaluate(ctx context.Context, characterID int64) (Result, error) {
	if m.busy != nil && m.busy() {
		return Result{Outcome: OutcomeBusy}, nil
	}
	sem := m.lock(characterID)
	if !sem.TryAcquire(1) {
		return Result{Outcome: OutcomeLocked}, nil
	}
	defer sem.Release(1)

	res, err := m.fold(ctx, characterID, m.cfg.ArchiveThreshold)
	if res.Outcome == OutcomeNoCredential {
		log.Debug("Archival for character %d skipped: no api key", characterID)
		return res, nil
	}
	if err != nil {
		log.Error("Archival for character %d: %v", characterID, err)
		return res, err
	}
	if res.Outcome == OutcomeArchived {
		m.notifier.Notify(session.LevelSuccess, archivedMessage(res.Folded))
	}
	return res, nil
}

// Trigger runs Evaluate in the background.
func (m *Monitor) Trigger(ctx context.Context, characterID int64) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res, err := m.Evaluate(ctx, characterID)
		if err == nil {
			log.Debug("Archival check for character %d: %s", characterID, res.Outcome)
		}
	}()
}

// Wait blocks until every triggered run has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// SummarizeNow folds every unsummarized entry on user request and reports
// the result, including "nothing to do" and failures.
func (m *Monitor) SummarizeNow(ctx context.Context, characterID int64) (Result, error) {
	sem := m.lock(characterID)
	if !sem.TryAcquire(1) {
		m.notifier.Notify(session.LevelInfo, "Archival is already running")
		return Result{Outcome: OutcomeLocked}, ErrInProgress
	}
	defer sem.Release(1)

	res, err := m.fold(ctx, characterID, 1)
	if err != nil {
		m.notifier.Notify(session.LevelError, session.UserMessage(err))
		return res, err
	}
	switch res.Outcome {
	case OutcomeBelowThreshold:
		m.notifier.Notify(session.LevelInfo, "Nothing new to summarize")
	case OutcomeEmpty:
		m.notifier.Notify(session.LevelError, "The summary came back empty")
	case OutcomeArchived:
		m.notifier.Notify(session.LevelSuccess, archivedMessage(res.Folded))
	}
	return res, nil
}

// fold summarizes the entries after the watermark when there are at least
// threshold of them. The caller holds the character's lock.
func (m *Monitor) fold(ctx context.Context, characterID int64, threshold int) (Result, error) {
	character, err := m.store.GetCharacter(ctx, characterID)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	res := Result{Watermark: character.LastSummaryTimestamp}

	res.Pending, err = m.store.CountLogsAfter(ctx, characterID, res.Watermark)
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, err
	}
	if res.Pending < threshold {
		res.Outcome = OutcomeBelowThreshold
		return res, nil
	}

	logs, err := m.store.LogsAfter(ctx, characterID, res.Watermark)
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, err
	}
	if len(logs) == 0 {
		res.Outcome = OutcomeBelowThreshold
		return res, nil
	}

	if err := m.cfg.RequireAPIKey(); err != nil {
		res.Outcome = OutcomeNoCredential
		return res, err
	}

	messages := make([]llm.Message, 0, len(logs))
	for _, l := range logs {
		messages = append(messages, llm.Message{Role: l.Role, Content: l.Content})
	}
	summary, err := m.summarizer.Summarize(ctx, llm.SummarizeRequest{
		Messages: messages,
		APIKey:   m.cfg.APIKey,
		Model:    m.cfg.Model,
	})
	if errors.Is(err, llm.ErrEmptySummary) || (err == nil && strings.TrimSpace(summary) == "") {
		res.Outcome = OutcomeEmpty
		return res, nil
	}
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("summarize: %w", err)
	}

	// The watermark is the last folded entry, not now: entries written
	// while the summary was computed stay pending.
	last := logs[len(logs)-1].Timestamp
	updated, err := m.store.UpdateCharacter(ctx, characterID, func(c *store.Character) error {
		c.Summary = append(c.Summary, summary)
		if last > c.LastSummaryTimestamp {
			c.LastSummaryTimestamp = last
		}
		return nil
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, err
	}

	res.Outcome = OutcomeArchived
	res.Folded = len(logs)
	res.Watermark = updated.LastSummaryTimestamp
	log.Info("Archived %d entries for character %d (watermark %d)", res.Folded, characterID, res.Watermark)
	return res, nil
}

func archivedMessage(n int) string {
	return fmt.Sprintf("Archived %d messages into the story summary", n)
}
