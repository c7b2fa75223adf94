package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/youruser/hogsim/internal/archive"
	"github.com/youruser/hogsim/internal/config"
	"github.com/youruser/hogsim/internal/session"
	"github.com/youruser/hogsim/internal/store"
	"golang.org/x/sync/errgroup"
)

const maxRequestSize = 1024 * 1024

var (
	errUnknownAction = errors.New("unknown action")
	errMissingID     = errors.New("character_id is required")
	errMissingPatch  = errors.New("patch is required")
)

// request holds every parameter any action reads. Unused fields stay zero.
type request struct {
	Action      string          `json:"action"`
	CharacterID int64           `json:"character_id"`
	ID          int64           `json:"id"`
	Content     string          `json:"content"`
	Profile     store.Profile   `json:"profile"`
	Persona     string          `json:"persona"`
	Patch       json.RawMessage `json:"patch"`
	Draft       string          `json:"draft"`
}

// app serves one front end over JSON lines.
type app struct {
	ctx     context.Context
	cfg     config.Config
	store   *store.Store
	session *session.Session
	monitor *archive.Monitor

	outMu sync.Mutex
	out   io.Writer

	watchMu sync.Mutex
	watches map[int64]*store.Subscription

	// async tracks handlers that outlive handleRequest: sends, manual
	// summaries and watch forwarders.
	async sync.WaitGroup
}

// serve reads requests until EOF or ctx is done. Requests are handled in
// arrival order; long-running actions continue in the background.
func (a *app) serve(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gctx.Done():
				return nil
			}
		}
		err := scanner.Err()
		if errors.Is(err, bufio.ErrTooLong) {
			a.respond("", map[string]any{
				"type":    "error",
				"message": "Request too large (max 1MB)",
			})
			return err
		}
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("stdin: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				a.handleRequest(line)
			}
		}
	})

	return g.Wait()
}

// shutdown stops the in-flight turn and waits for background work.
func (a *app) shutdown() {
	a.session.Stop()

	// Forwarders exit once their subscription closes.
	a.watchMu.Lock()
	for id, sub := range a.watches {
		sub.Close()
		delete(a.watches, id)
	}
	a.watchMu.Unlock()

	a.async.Wait()
	a.monitor.Wait()
}

func (a *app) handleRequest(line string) {
	log.Request("", line)

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		a.respond("", map[string]any{"type": "error", "message": "invalid JSON"})
		return
	}
	reqID := requestID(raw)

	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		a.respond(reqID, map[string]any{"type": "error", "message": "invalid request: " + err.Error()})
		return
	}
	log.Debug("Action: %s (request %q)", req.Action, reqID)

	ctx := a.ctx
	switch req.Action {
	case "ping":
		a.respond(reqID, map[string]any{"type": "pong"})

	case "version":
		a.respond(reqID, map[string]any{"type": "version", "version": versionString()})

	case "character_new":
		c, err := a.store.CreateCharacter(ctx, req.Profile, req.Persona)
		if err != nil {
			a.respond(reqID, errorResponse(err))
			return
		}
		a.respond(reqID, map[string]any{"type": "character", "character": c})

	case "character_list":
		list, err := a.store.ListCharacters(ctx)
		if err != nil {
			a.respond(reqID, errorResponse(err))
			return
		}
		a.respond(reqID, map[string]any{"type": "characters", "characters": list})

	case "character_get":
		if req.CharacterID == 0 {
			a.respond(reqID, errorResponse(errMissingID))
			return
		}
		c, err := a.store.GetCharacter(ctx, req.CharacterID)
		if err != nil {
			a.respond(reqID, errorResponse(err))
			return
		}
		a.respond(reqID, map[string]any{"type": "character", "character": c})

	case "character_update":
		if req.CharacterID == 0 {
			a.respond(reqID, errorResponse(errMissingID))
			return
		}
		c, err := a.updateCharacter(ctx, req.CharacterID, req.Patch)
		if err != nil {
			a.respond(reqID, errorResponse(err))
			return
		}
		a.respond(reqID, map[string]any{"type": "character", "character": c})

	case "character_delete":
		if req.CharacterID == 0 {
			a.respond(reqID, errorResponse(errMissingID))
			return
		}
		if err := a.store.DeleteCharacter(ctx, req.CharacterID); err != nil {
			a.respond(reqID, errorResponse(err))
			return
		}
		a.unwatch(req.CharacterID)
		a.respond(reqID, map[string]any{"type": "ok"})

	case "messages":
		if req.CharacterID == 0 {
			a.respond(reqID, errorResponse(errMissingID))
			return
		}
		a.respondLogs(reqID, req.CharacterID)

	case "send":
		if req.CharacterID == 0 {
			a.respond(reqID, errorResponse(errMissingID))
			return
		}
		a.goAsync(func() {
			if err := a.session.SendMessage(ctx, req.CharacterID, req.Content); err != nil {
				a.respondFailed(reqID)
				return
			}
			a.respond(reqID, map[string]any{"type": "done"})
		})

	case "cancel":
		a.respond(reqID, map[string]any{"type": "ok", "canceled": a.session.Stop()})

	case "message_delete":
		if err := a.session.DeleteMessage(ctx, req.ID); err != nil {
			a.respondFailed(reqID)
			return
		}
		a.respond(reqID, map[string]any{"type": "ok"})

	case "message_update":
		if err := a.session.UpdateMessage(ctx, req.ID, req.Content); err != nil {
			a.respondFailed(reqID)
			return
		}
		a.respond(reqID, map[string]any{"type": "ok"})

	case "summarize":
		if req.CharacterID == 0 {
			a.respond(reqID, errorResponse(errMissingID))
			return
		}
		a.goAsync(func() {
			res, err := a.monitor.SummarizeNow(ctx, req.CharacterID)
			if err != nil {
				a.respondFailed(reqID)
				return
			}
			a.respond(reqID, map[string]any{
				"type":      "summary",
				"outcome":   string(res.Outcome),
				"pending":   res.Pending,
				"folded":    res.Folded,
				"watermark": res.Watermark,
			})
		})

	case "estimate_tokens":
		if req.CharacterID == 0 {
			a.respond(reqID, errorResponse(errMissingID))
			return
		}
		estimate, err := a.session.EstimateTokens(ctx, req.CharacterID, req.Draft)
		if err != nil {
			a.respond(reqID, errorResponse(err))
			return
		}
		a.respond(reqID, map[string]any{"type": "estimate", "estimate": estimate})

	case "watch":
		if req.CharacterID == 0 {
			a.respond(reqID, errorResponse(errMissingID))
			return
		}
		a.watch(req.CharacterID)
		a.respondLogs(reqID, req.CharacterID)

	case "unwatch":
		a.unwatch(req.CharacterID)
		a.respond(reqID, map[string]any{"type": "ok"})

	default:
		a.respond(reqID, errorResponse(fmt.Errorf("%w: %q", errUnknownAction, req.Action)))
	}
}

// respondFailed closes a request whose error already reached the user as a
// notify line.
func (a *app) respondFailed(reqID string) {
	a.respond(reqID, map[string]any{"type": "failed"})
}

func (a *app) goAsync(fn func()) {
	a.async.Add(1)
	go func() {
		defer a.async.Done()
		fn()
	}()
}

// protectedFields are owned by the store and the archival monitor. The
// summary only grows and the watermark never moves back, so the correction
// form cannot write them.
var protectedFields = []string{"id", "summary", "last_summary_timestamp", "updated_at"}

// updateCharacter applies a partial JSON patch from the correction form.
// Collections named in the patch are replaced, not merged. Protected fields
// in the patch are ignored.
func (a *app) updateCharacter(ctx context.Context, id int64, patch json.RawMessage) (*store.Character, error) {
	if len(patch) == 0 || string(patch) == "null" {
		return nil, errMissingPatch
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	for _, key := range protectedFields {
		if _, ok := fields[key]; ok {
			log.Warn("character_update: ignoring protected field %q", key)
			delete(fields, key)
		}
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	return a.store.UpdateCharacter(ctx, id, func(c *store.Character) error {
		if _, ok := fields["inventory"]; ok {
			c.Inventory = nil
		}
		if _, ok := fields["spells"]; ok {
			c.Spells = nil
		}
		if _, ok := fields["relationships"]; ok {
			c.Relationships = nil
		}
		if err := json.Unmarshal(patch, c); err != nil {
			return fmt.Errorf("invalid patch: %w", err)
		}
		return nil
	})
}

func (a *app) respondLogs(reqID string, characterID int64) {
	logs, err := a.store.ListLogs(a.ctx, characterID)
	if err != nil {
		a.respond(reqID, errorResponse(err))
		return
	}
	a.respond(reqID, map[string]any{"type": "logs", "character_id": characterID, "logs": logs})
}

// watch subscribes to a character and pushes every change as it commits.
// Watching the same character twice keeps the first subscription.
func (a *app) watch(characterID int64) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if _, ok := a.watches[characterID]; ok {
		return
	}
	sub := a.store.Watch(characterID)
	a.watches[characterID] = sub
	a.goAsync(func() {
		for change := range sub.C {
			a.push(change)
		}
	})
}

func (a *app) unwatch(characterID int64) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if sub, ok := a.watches[characterID]; ok {
		sub.Close()
		delete(a.watches, characterID)
	}
}

// push re-reads what a change touched and writes it out without a request id.
func (a *app) push(change store.Change) {
	ctx := context.WithoutCancel(a.ctx)
	id := change.CharacterID

	if change.Resync {
		a.pushCharacter(ctx, id)
		a.respondLogs("", id)
		return
	}

	switch change.Kind {
	case store.ChangeCharacter:
		a.pushCharacter(ctx, id)
	case store.ChangeLogs:
		entry, err := a.store.GetLog(ctx, change.LogID)
		if errors.Is(err, store.ErrLogNotFound) {
			a.respond("", map[string]any{"type": "log_deleted", "character_id": id, "id": change.LogID})
			return
		}
		if err != nil {
			log.Warn("Watch: read log %d: %v", change.LogID, err)
			return
		}
		a.respond("", map[string]any{"type": "log", "log": entry})
	}
}

func (a *app) pushCharacter(ctx context.Context, id int64) {
	c, err := a.store.GetCharacter(ctx, id)
	if errors.Is(err, store.ErrCharacterNotFound) {
		a.respond("", map[string]any{"type": "character_deleted", "character_id": id})
		return
	}
	if err != nil {
		log.Warn("Watch: read character %d: %v", id, err)
		return
	}
	a.respond("", map[string]any{"type": "character", "character": c})
}

// Notify implements session.Notifier.
func (a *app) Notify(level session.Level, message string) {
	a.respond("", map[string]any{"type": "notify", "level": string(level), "message": message})
}

func errorResponse(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, config.ErrNoAPIKey):
		msg = "API key not set in config"
	case errors.Is(err, store.ErrCharacterNotFound):
		msg = "Character not found"
	case errors.Is(err, store.ErrLogNotFound):
		msg = "Message not found"
	case errors.Is(err, store.ErrEmptyName):
		msg = "Character name is required"
	case errors.Is(err, store.ErrInvalidRole):
		msg = err.Error()
	case errors.Is(err, session.ErrBusy):
		msg = "A reply is already streaming"
	case errors.Is(err, archive.ErrInProgress):
		msg = "Archival is already running"
	default:
		msg = err.Error()
	}
	return map[string]any{"type": "error", "message": msg}
}

func (a *app) respond(reqID string, data map[string]any) {
	out, err := json.Marshal(addResponseID(reqID, data))
	if err != nil {
		log.Error("Encode response: %v", err)
		return
	}
	msgType, _ := data["type"].(string)
	a.outMu.Lock()
	defer a.outMu.Unlock()
	log.Response(msgType, string(out))
	fmt.Fprintln(a.out, string(out))
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
