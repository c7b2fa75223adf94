package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/youruser/hogsim/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "hogsim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCharacter(t *testing.T, s *store.Store) *store.Character {
	t.Helper()
	ctx := context.Background()
	c, err := s.CreateCharacter(ctx, store.Profile{Name: "Hermione", House: "Gryffindor"}, "")
	require.NoError(t, err)
	c, err = s.UpdateCharacter(ctx, c.ID, func(c *store.Character) error {
		c.Inventory["Wand"] = store.InventoryItem{Desc: "Vine wood", Count: 1}
		c.Spells["Lumos"] = store.SpellInfo{Level: 1, Desc: "Light"}
		c.Relationships["Ron"] = store.RelationInfo{Level: 10, Tag: "friend"}
		c.WorldLog = []string{"Arrived at Hogwarts"}
		return nil
	})
	require.NoError(t, err)
	return c
}

func block(payload string) string {
	return "Narration. " + openTag + payload + closeTag
}

func TestApplyWorldLogOnlyLeavesOtherFieldsAlone(t *testing.T) {
	s := newTestStore(t)
	before := seedCharacter(t, s)
	a := NewApplier(s)

	got := a.Apply(context.Background(), before.ID, block(`{"world_log_add": "X"}`))
	require.Equal(t, OutcomeApplied, got)

	after, err := s.GetCharacter(context.Background(), before.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(before.Status, after.Status); diff != "" {
		t.Errorf("status changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(before.Inventory, after.Inventory); diff != "" {
		t.Errorf("inventory changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(before.Spells, after.Spells); diff != "" {
		t.Errorf("spells changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(before.Relationships, after.Relationships); diff != "" {
		t.Errorf("relationships changed (-before +after):\n%s", diff)
	}
	require.Equal(t, []string{"Arrived at Hogwarts", "X"}, after.WorldLog)
}

func TestApplyInventoryEventsInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.CreateCharacter(ctx, store.Profile{Name: "Neville"}, "")
	require.NoError(t, err)

	raw := block(`{"inventory_events": [{"op": "add", "item": "A"}, {"op": "add", "item": "A"}, {"op": "remove", "item": "A"}]}`)
	require.Equal(t, OutcomeApplied, NewApplier(s).Apply(ctx, c.ID, raw))

	after, err := s.GetCharacter(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]store.InventoryItem{"A": {Count: 1}}, after.Inventory)
}

func TestApplyInventory(t *testing.T) {
	tests := []struct {
		name   string
		start  map[string]store.InventoryItem
		events []InventoryEvent
		want   map[string]store.InventoryItem
	}{
		{
			name:   "remove absent is no-op",
			start:  map[string]store.InventoryItem{"Toad": {Count: 1}},
			events: []InventoryEvent{{Op: OpRemove, Item: "Cat"}},
			want:   map[string]store.InventoryItem{"Toad": {Count: 1}},
		},
		{
			name:   "remove last copy deletes",
			start:  map[string]store.InventoryItem{"Toad": {Count: 1}},
			events: []InventoryEvent{{Op: OpRemove, Item: "Toad"}},
			want:   map[string]store.InventoryItem{},
		},
		{
			name:   "remove before add is order sensitive",
			start:  map[string]store.InventoryItem{},
			events: []InventoryEvent{{Op: OpRemove, Item: "A"}, {Op: OpAdd, Item: "A"}},
			want:   map[string]store.InventoryItem{"A": {Count: 1}},
		},
		{
			name:   "add keeps and updates description",
			start:  map[string]store.InventoryItem{"Map": {Desc: "Old parchment", Count: 1}},
			events: []InventoryEvent{{Op: OpAdd, Item: "Map"}, {Op: OpAdd, Item: "Quill", Desc: "Self-inking"}},
			want: map[string]store.InventoryItem{
				"Map":   {Desc: "Old parchment", Count: 2},
				"Quill": {Desc: "Self-inking", Count: 1},
			},
		},
		{
			name:   "unknown op and empty item skipped",
			start:  map[string]store.InventoryItem{},
			events: []InventoryEvent{{Op: "steal", Item: "Cloak"}, {Op: OpAdd, Item: "  "}},
			want:   map[string]store.InventoryItem{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applyInventory(tt.start, tt.events)
			if diff := cmp.Diff(tt.want, tt.start); diff != "" {
				t.Errorf("inventory mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyStatusMergesSuppliedKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCharacter(t, s)

	raw := block(`{"status": {"hp": 80, "location": "Great Hall", "gold": "lots", "wingspan": 3}}`)
	require.Equal(t, OutcomeApplied, NewApplier(s).Apply(ctx, c.ID, raw))

	after, err := s.GetCharacter(ctx, c.ID)
	require.NoError(t, err)
	want := c.Status
	want.HP = 80
	want.Location = "Great Hall"
	if diff := cmp.Diff(want, after.Status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyRepairsSingleQuotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCharacter(t, s)

	raw := block(`{status: {hp: 55}, spells: {'Alohomora': {'level': 2, 'desc': 'Unlock'}}}`)
	require.Equal(t, OutcomeApplied, NewApplier(s).Apply(ctx, c.ID, raw))

	after, err := s.GetCharacter(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 55, after.Status.HP)
	require.Equal(t, store.SpellInfo{Level: 2, Desc: "Unlock"}, after.Spells["Alohomora"])
	require.Equal(t, store.SpellInfo{Level: 1, Desc: "Light"}, after.Spells["Lumos"])
}

func TestApplyMalformedFieldKeepsOthers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCharacter(t, s)

	raw := block(`{"spells": "not a map", "relationships": {"Draco": {"level": -5, "tag": "rival", "desc": ""}}}`)
	require.Equal(t, OutcomeApplied, NewApplier(s).Apply(ctx, c.ID, raw))

	after, err := s.GetCharacter(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Spells, after.Spells)
	require.Equal(t, store.RelationInfo{Level: -5, Tag: "rival"}, after.Relationships["Draco"])
	require.Equal(t, store.RelationInfo{Level: 10, Tag: "friend"}, after.Relationships["Ron"])
}

func TestApplyOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCharacter(t, s)
	a := NewApplier(s)

	require.Equal(t, OutcomeNoBlock, a.Apply(ctx, c.ID, "Just narration."))
	require.Equal(t, OutcomeNoBlock, a.Apply(ctx, c.ID, "Cut off <state_update>{\"hp\":"))
	require.Equal(t, OutcomeUnparseable, a.Apply(ctx, c.ID, block("not json at all")))
	require.Equal(t, OutcomeUnparseable, a.Apply(ctx, c.ID, block("null")))
	require.Equal(t, OutcomeNoCharacter, a.Apply(ctx, c.ID+100, block(`{"world_log_add": "X"}`)))

	after, err := s.GetCharacter(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.UpdatedAt, after.UpdatedAt, "failed patches must not touch the record")
	require.Equal(t, c.WorldLog, after.WorldLog)
}

type failingUpdater struct{}

func (failingUpdater) UpdateCharacter(context.Context, int64, func(*store.Character) error) (*store.Character, error) {
	return nil, errors.New("disk full")
}

func TestApplyStorageFailure(t *testing.T) {
	got := NewApplier(failingUpdater{}).Apply(context.Background(), 1, block(`{"world_log_add": "X"}`))
	require.Equal(t, OutcomeFailed, got)
	require.Equal(t, "failed", got.String())
}

func TestInventoryEventItemForms(t *testing.T) {
	u, err := ParseUpdate(`{"inventory_events": [{"op": "ADD", "item": {"name": "Remembrall", "desc": "Glows red"}}, {"op": "remove", "item": 7}, {"op": "add", "item": "Toad"}]}`)
	require.NoError(t, err)
	want := []InventoryEvent{
		{Op: OpAdd, Item: "Remembrall", Desc: "Glows red"},
		{Op: OpAdd, Item: "Toad"},
	}
	if diff := cmp.Diff(want, u.InventoryEvents); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}
