package state

import (
	"context"
	"errors"

	"github.com/youruser/hogsim/internal/store"
)

// Outcome reports what Apply did with a turn's output.
type Outcome int

const (
	OutcomeNoBlock     Outcome = iota // no complete state block in the text
	OutcomeUnparseable                // block present but not decodable
	OutcomeNoCharacter                // character deleted before the patch landed
	OutcomeApplied
	OutcomeFailed // storage error, nothing committed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoBlock:
		return "no_block"
	case OutcomeUnparseable:
		return "unparseable"
	case OutcomeNoCharacter:
		return "no_character"
	case OutcomeApplied:
		return "applied"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// CharacterUpdater is the slice of the store the applier writes through.
type CharacterUpdater interface {
	UpdateCharacter(ctx context.Context, id int64, fn func(c *store.Character) error) (*store.Character, error)
}

// Applier merges state blocks from finished turns into characters.
type Applier struct {
	store CharacterUpdater
}

func NewApplier(s CharacterUpdater) *Applier {
	return &Applier{store: s}
}

// Apply finds the state block in raw, decodes it and merges it into the
// character in one transaction. Failures are logged, never returned: a bad
// patch must not fail a turn whose narration was already delivered.
func (a *Applier) Apply(ctx context.Context, characterID int64, raw string) Outcome {
	inner, ok := ExtractBlock(raw)
	if !ok {
		return OutcomeNoBlock
	}

	update, err := ParseUpdate(inner)
	if err != nil {
		log.Error("State block for character %d unparseable: %v", characterID, err)
		return OutcomeUnparseable
	}

	_, err = a.store.UpdateCharacter(ctx, characterID, func(c *store.Character) error {
		update.ApplyTo(c)
		return nil
	})
	switch {
	case errors.Is(err, store.ErrCharacterNotFound):
		log.Error("State block for missing character %d dropped", characterID)
		return OutcomeNoCharacter
	case err != nil:
		log.Error("Applying state block for character %d: %v", characterID, err)
		return OutcomeFailed
	}
	log.Debug("Applied state block to character %d", characterID)
	return OutcomeApplied
}
