package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/youruser/hogsim/internal/logging"
	"github.com/youruser/hogsim/internal/repair"
	"github.com/youruser/hogsim/internal/store"
)

var log = logging.Get()

var ErrEmptyUpdate = errors.New("state block holds no object")

// Inventory operations.
const (
	OpAdd    = "add"
	OpRemove = "remove"
)

// InventoryEvent adds or removes one copy of an item.
type InventoryEvent struct {
	Op   string
	Item string
	Desc string
}

// UnmarshalJSON accepts {op, item: "name"} and {op, item: {name, desc}}.
func (e *InventoryEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Op   string          `json:"op"`
		Item json.RawMessage `json:"item"`
		Desc string          `json:"desc"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Op = strings.ToLower(strings.TrimSpace(raw.Op))
	e.Desc = raw.Desc

	var name string
	if err := json.Unmarshal(raw.Item, &name); err == nil {
		e.Item = name
		return nil
	}
	var obj struct {
		Name string `json:"name"`
		Desc string `json:"desc"`
	}
	if err := json.Unmarshal(raw.Item, &obj); err != nil {
		return fmt.Errorf("inventory item: %w", err)
	}
	e.Item = obj.Name
	if obj.Desc != "" {
		e.Desc = obj.Desc
	}
	return nil
}

// Update is a decoded state patch. Absent fields are nil or empty.
type Update struct {
	Status          map[string]json.RawMessage
	InventoryEvents []InventoryEvent
	Spells          map[string]store.SpellInfo
	Relationships   map[string]store.RelationInfo
	WorldLogAdd     string
}

// ParseUpdate decodes the inner text of a state block. Each top-level field
// decodes on its own: a malformed field is logged and dropped while the
// others survive.
func ParseUpdate(inner string) (*Update, error) {
	var fields map[string]json.RawMessage
	if err := repair.Default.TryParse(inner, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, ErrEmptyUpdate
	}

	u := &Update{}
	for key, value := range fields {
		var err error
		switch key {
		case "status":
			err = json.Unmarshal(value, &u.Status)
		case "inventory_events":
			u.InventoryEvents, err = decodeEvents(value)
		case "spells":
			err = json.Unmarshal(value, &u.Spells)
		case "relationships":
			err = json.Unmarshal(value, &u.Relationships)
		case "world_log_add":
			err = json.Unmarshal(value, &u.WorldLogAdd)
		default:
			log.Debug("Ignoring unknown state field %q", key)
		}
		if err != nil {
			log.Warn("Dropping malformed state field %q: %v", key, err)
		}
	}
	return u, nil
}

// decodeEvents keeps every well-formed event of the list in order.
func decodeEvents(value json.RawMessage) ([]InventoryEvent, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(value, &items); err != nil {
		return nil, err
	}
	events := make([]InventoryEvent, 0, len(items))
	for i, item := range items {
		var ev InventoryEvent
		if err := json.Unmarshal(item, &ev); err != nil {
			log.Warn("Dropping inventory event %d: %v", i, err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// statusKeys is the set of JSON keys of store.Status.
var statusKeys = func() map[string]bool {
	data, _ := json.Marshal(store.Status{})
	var m map[string]json.RawMessage
	_ = json.Unmarshal(data, &m)
	keys := make(map[string]bool, len(m))
	for k := range m {
		keys[k] = true
	}
	return keys
}()

// ApplyTo merges the patch into c.
func (u *Update) ApplyTo(c *store.Character) {
	if len(u.Status) > 0 {
		c.Status = mergeStatus(c.Status, u.Status)
	}
	if len(u.InventoryEvents) > 0 {
		applyInventory(c.Inventory, u.InventoryEvents)
	}
	for name, spell := range u.Spells {
		c.Spells[name] = spell
	}
	for name, rel := range u.Relationships {
		c.Relationships[name] = rel
	}
	if strings.TrimSpace(u.WorldLogAdd) != "" {
		c.WorldLog = append(c.WorldLog, u.WorldLogAdd)
	}
}

// mergeStatus overwrites only the supplied keys. Unknown keys and values of
// the wrong type are skipped one by one.
func mergeStatus(status store.Status, patch map[string]json.RawMessage) store.Status {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if !statusKeys[key] {
			log.Warn("Skipping unknown status key %q", key)
			continue
		}
		single, err := json.Marshal(map[string]json.RawMessage{key: patch[key]})
		if err != nil {
			log.Warn("Skipping status key %q: %v", key, err)
			continue
		}
		next := status
		if err := json.Unmarshal(single, &next); err != nil {
			log.Warn("Skipping status key %q: %v", key, err)
			continue
		}
		status = next
	}
	return status
}

// applyInventory runs events in order. add gains one copy, remove drops one
// copy and the entry with it at zero. Removing an absent item does nothing.
func applyInventory(inv map[string]store.InventoryItem, events []InventoryEvent) {
	for _, ev := range events {
		name := strings.TrimSpace(ev.Item)
		if name == "" {
			log.Warn("Skipping inventory event without item")
			continue
		}
		switch ev.Op {
		case OpAdd:
			item := inv[name]
			item.Count++
			if ev.Desc != "" {
				item.Desc = ev.Desc
			}
			inv[name] = item
		case OpRemove:
			item, ok := inv[name]
			if !ok {
				continue
			}
			item.Count--
			if item.Count <= 0 {
				delete(inv, name)
			} else {
				inv[name] = item
			}
		default:
			log.Warn("Skipping inventory event with op %q", ev.Op)
		}
	}
}
