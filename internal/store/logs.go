package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const logColumns = `id, character_id, role, content, reasoning_content, timestamp`

func validRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// AddLog appends an entry to the character's transcript. The stored timestamp
// is the requested one (now if zero) raised to one past both the character's
// latest entry and its summary watermark, so timestamps are strictly
// increasing per character and never fall into the summarized range.
func (s *Store) AddLog(ctx context.Context, entry ChatLog) (ChatLog, error) {
	if !validRole(entry.Role) {
		return ChatLog{}, fmt.Errorf("%w: %q", ErrInvalidRole, entry.Role)
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = toMillis(s.now())
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var watermark int64
		err := tx.QueryRowContext(ctx,
			`SELECT last_summary_timestamp FROM characters WHERE id = ?`,
			entry.CharacterID,
		).Scan(&watermark)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCharacterNotFound
		}
		if err != nil {
			return fmt.Errorf("check character: %w", err)
		}

		var last int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(timestamp), 0) FROM chat_logs WHERE character_id = ?`,
			entry.CharacterID,
		).Scan(&last); err != nil {
			return fmt.Errorf("latest timestamp: %w", err)
		}
		// Entries at or before the watermark count as summarized, so a new
		// one always lands after it even when folded entries were deleted.
		last = max(last, watermark)
		if entry.Timestamp <= last {
			entry.Timestamp = last + 1
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO chat_logs (character_id, role, content, reasoning_content, timestamp) VALUES (?, ?, ?, ?, ?)`,
			entry.CharacterID, entry.Role, entry.Content, entry.ReasoningContent, entry.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
		entry.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return ChatLog{}, err
	}
	s.hub.publish(Change{CharacterID: entry.CharacterID, Kind: ChangeLogs, LogID: entry.ID})
	return entry, nil
}

// UpdateLog overwrites the fields set in patch in a single statement.
func (s *Store) UpdateLog(ctx context.Context, id int64, patch LogPatch) error {
	var sets []string
	var args []any
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.ReasoningContent != nil {
		sets = append(sets, "reasoning_content = ?")
		args = append(args, *patch.ReasoningContent)
	}
	if len(sets) == 0 {
		_, err := s.GetLog(ctx, id)
		return err
	}
	args = append(args, id)

	var characterID int64
	err := s.sqlDB.QueryRowContext(ctx,
		`UPDATE chat_logs SET `+strings.Join(sets, ", ")+` WHERE id = ? RETURNING character_id`,
		args...,
	).Scan(&characterID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLogNotFound
	}
	if err != nil {
		return fmt.Errorf("update log: %w", err)
	}
	s.hub.publish(Change{CharacterID: characterID, Kind: ChangeLogs, LogID: id})
	return nil
}

// DeleteLog removes one entry.
func (s *Store) DeleteLog(ctx context.Context, id int64) error {
	var characterID int64
	err := s.sqlDB.QueryRowContext(ctx,
		`DELETE FROM chat_logs WHERE id = ? RETURNING character_id`, id,
	).Scan(&characterID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLogNotFound
	}
	if err != nil {
		return fmt.Errorf("delete log: %w", err)
	}
	s.hub.publish(Change{CharacterID: characterID, Kind: ChangeLogs, LogID: id})
	return nil
}

// GetLog returns one entry, or ErrLogNotFound.
func (s *Store) GetLog(ctx context.Context, id int64) (ChatLog, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+logColumns+` FROM chat_logs WHERE id = ?`, id)
	var l ChatLog
	err := row.Scan(&l.ID, &l.CharacterID, &l.Role, &l.Content, &l.ReasoningContent, &l.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatLog{}, ErrLogNotFound
	}
	if err != nil {
		return ChatLog{}, fmt.Errorf("get log: %w", err)
	}
	return l, nil
}

// ListLogs returns the full transcript in chronological order.
func (s *Store) ListLogs(ctx context.Context, characterID int64) ([]ChatLog, error) {
	return s.queryLogs(ctx,
		`SELECT `+logColumns+` FROM chat_logs WHERE character_id = ? ORDER BY timestamp, id`,
		characterID)
}

// RecentLogs returns the newest limit entries in chronological order.
func (s *Store) RecentLogs(ctx context.Context, characterID int64, limit int) ([]ChatLog, error) {
	if limit <= 0 {
		return nil, nil
	}
	logs, err := s.queryLogs(ctx,
		`SELECT `+logColumns+` FROM chat_logs WHERE character_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		characterID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(logs)
	return logs, nil
}

// LogsAfter returns entries strictly newer than after, oldest first.
func (s *Store) LogsAfter(ctx context.Context, characterID, after int64) ([]ChatLog, error) {
	return s.queryLogs(ctx,
		`SELECT `+logColumns+` FROM chat_logs WHERE character_id = ? AND timestamp > ? ORDER BY timestamp, id`,
		characterID, after)
}

// CountLogsAfter counts entries strictly newer than after.
func (s *Store) CountLogsAfter(ctx context.Context, characterID, after int64) (int, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_logs WHERE character_id = ? AND timestamp > ?`,
		characterID, after,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}

func (s *Store) queryLogs(ctx context.Context, query string, args ...any) ([]ChatLog, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	logs := []ChatLog{}
	for rows.Next() {
		var l ChatLog
		if err := rows.Scan(&l.ID, &l.CharacterID, &l.Role, &l.Content, &l.ReasoningContent, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return logs, nil
}
