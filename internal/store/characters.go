package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const characterColumns = `id, name, gender, house, blood_status, wand, patronus, persona,
	status_json, inventory_json, spells_json, relationships_json, summary_json, world_log_json,
	updated_at, last_summary_timestamp`

// CreateCharacter inserts a new character with the default status bundle and
// empty collections, returning the stored record.
func (s *Store) CreateCharacter(ctx context.Context, profile Profile, persona string) (*Character, error) {
	profile.Name = strings.TrimSpace(profile.Name)
	if profile.Name == "" {
		return nil, ErrEmptyName
	}

	c := &Character{
		Profile: profile,
		Persona: persona,
		Status:  DefaultStatus(),
	}
	c.normalize()
	c.UpdatedAt = toMillis(s.now())

	cols, err := encodeCharacter(c)
	if err != nil {
		return nil, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO characters (name, gender, house, blood_status, wand, patronus, persona,
	status_json, inventory_json, spells_json, relationships_json, summary_json, world_log_json,
	updated_at, last_summary_timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Gender, c.House, c.BloodStatus, c.Wand, c.Patronus, c.Persona,
		cols.status, cols.inventory, cols.spells, cols.relationships, cols.summary, cols.worldLog,
		c.UpdatedAt, c.LastSummaryTimestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert character: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("character id: %w", err)
	}

	log.Info("Created character %d (%s)", c.ID, c.Name)
	s.hub.publish(Change{CharacterID: c.ID, Kind: ChangeCharacter})
	return c, nil
}

// GetCharacter returns the character, or ErrCharacterNotFound.
func (s *Store) GetCharacter(ctx context.Context, id int64) (*Character, error) {
	return getCharacter(ctx, s.sqlDB, id)
}

// ListCharacters returns every character, most recently updated first.
func (s *Store) ListCharacters(ctx context.Context) ([]*Character, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM characters ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var out []*Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	return out, nil
}

// UpdateCharacter loads the character, passes it to fn and writes the result
// back, all in one transaction. fn must not call back into the store. If fn
// returns an error nothing is written. UpdatedAt is refreshed on success.
func (s *Store) UpdateCharacter(ctx context.Context, id int64, fn func(c *Character) error) (*Character, error) {
	var updated *Character
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		c, err := getCharacter(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		c.ID = id
		c.normalize()
		c.UpdatedAt = toMillis(s.now())
		if err := putCharacter(ctx, tx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.hub.publish(Change{CharacterID: id, Kind: ChangeCharacter})
	return updated, nil
}

// DeleteCharacter removes the character and all of its logs atomically.
func (s *Store) DeleteCharacter(ctx context.Context, id int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_logs WHERE character_id = ?`, id); err != nil {
			return fmt.Errorf("delete logs: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete character: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete character: %w", err)
		}
		if n == 0 {
			return ErrCharacterNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("Deleted character %d", id)
	s.hub.publish(Change{CharacterID: id, Kind: ChangeCharacter})
	return nil
}

func getCharacter(ctx context.Context, q queryer, id int64) (*Character, error) {
	row := q.QueryRowContext(ctx, `SELECT `+characterColumns+` FROM characters WHERE id = ?`, id)
	c, err := scanCharacter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCharacterNotFound
	}
	return c, err
}

func putCharacter(ctx context.Context, q queryer, c *Character) error {
	cols, err := encodeCharacter(c)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
UPDATE characters SET
	name = ?, gender = ?, house = ?, blood_status = ?, wand = ?, patronus = ?, persona = ?,
	status_json = ?, inventory_json = ?, spells_json = ?, relationships_json = ?,
	summary_json = ?, world_log_json = ?, updated_at = ?, last_summary_timestamp = ?
WHERE id = ?`,
		c.Name, c.Gender, c.House, c.BloodStatus, c.Wand, c.Patronus, c.Persona,
		cols.status, cols.inventory, cols.spells, cols.relationships,
		cols.summary, cols.worldLog, c.UpdatedAt, c.LastSummaryTimestamp,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update character: %w", err)
	}
	return nil
}

type characterJSON struct {
	status, inventory, spells, relationships, summary, worldLog string
}

func encodeCharacter(c *Character) (characterJSON, error) {
	var cols characterJSON
	var err error
	if cols.status, err = encodeJSON("status", c.Status); err != nil {
		return cols, err
	}
	if cols.inventory, err = encodeJSON("inventory", c.Inventory); err != nil {
		return cols, err
	}
	if cols.spells, err = encodeJSON("spells", c.Spells); err != nil {
		return cols, err
	}
	if cols.relationships, err = encodeJSON("relationships", c.Relationships); err != nil {
		return cols, err
	}
	if cols.summary, err = encodeJSON("summary", c.Summary); err != nil {
		return cols, err
	}
	if cols.worldLog, err = encodeJSON("world_log", c.WorldLog); err != nil {
		return cols, err
	}
	return cols, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row rowScanner) (*Character, error) {
	var c Character
	var cols characterJSON
	if err := row.Scan(
		&c.ID, &c.Name, &c.Gender, &c.House, &c.BloodStatus, &c.Wand, &c.Patronus, &c.Persona,
		&cols.status, &cols.inventory, &cols.spells, &cols.relationships, &cols.summary, &cols.worldLog,
		&c.UpdatedAt, &c.LastSummaryTimestamp,
	); err != nil {
		return nil, err
	}

	// Status decodes over the defaults so rows written before a field existed
	// still carry every key.
	c.Status = DefaultStatus()
	if err := decodeJSON("status", cols.status, &c.Status); err != nil {
		return nil, err
	}
	if err := decodeJSON("inventory", cols.inventory, &c.Inventory); err != nil {
		return nil, err
	}
	if err := decodeJSON("spells", cols.spells, &c.Spells); err != nil {
		return nil, err
	}
	if err := decodeJSON("relationships", cols.relationships, &c.Relationships); err != nil {
		return nil, err
	}
	if err := decodeJSON("summary", cols.summary, &c.Summary); err != nil {
		return nil, err
	}
	if err := decodeJSON("world_log", cols.worldLog, &c.WorldLog); err != nil {
		return nil, err
	}
	c.normalize()
	return &c, nil
}
