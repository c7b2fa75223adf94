package store

// Log roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Status is the numeric status bundle of a character. Every field is always
// present once the character exists.
type Status struct {
	HP    int `json:"hp"`
	MP    int `json:"mp"`
	MaxMP int `json:"max_mp"`
	Gold  int `json:"gold"`
	AP    int `json:"ap"`
	MaxAP int `json:"max_ap"`

	Knowledge int `json:"knowledge"`
	Athletics int `json:"athletics"`
	Charm     int `json:"charm"`
	Morality  int `json:"morality"`
	Mental    int `json:"mental"`

	CurrentYear    int    `json:"current_year"`
	CurrentMonth   int    `json:"current_month"`
	CurrentWeek    int    `json:"current_week"`
	CurrentWeekday int    `json:"current_weekday"`
	Location       string `json:"location"`
	GameMode       string `json:"game_mode"`
}

// DefaultStatus is the status bundle every new character starts with.
func DefaultStatus() Status {
	return Status{
		HP:             100,
		AP:             7,
		MaxAP:          7,
		CurrentYear:    1991,
		CurrentMonth:   7,
		CurrentWeek:    4,
		CurrentWeekday: 1,
		GameMode:       "weekly",
	}
}

// InventoryItem is one inventory entry. Count is the number of copies held.
type InventoryItem struct {
	Desc  string `json:"desc"`
	Count int    `json:"count"`
}

type SpellInfo struct {
	Level int    `json:"level"`
	Desc  string `json:"desc"`
}

type RelationInfo struct {
	Level int    `json:"level"`
	Tag   string `json:"tag"`
	Desc  string `json:"desc"`
}

// Profile holds the identity fields chosen at character creation.
type Profile struct {
	Name        string `json:"name"`
	Gender      string `json:"gender"`       // role archetype: wizard, witch
	House       string `json:"house"`
	BloodStatus string `json:"blood_status"` // lineage: pure_blood, half_blood, muggle_born
	Wand        string `json:"wand"`
	Patronus    string `json:"patronus"`
}

// Character is one player persona and its persisted game state.
type Character struct {
	ID int64 `json:"id"`
	Profile
	Persona string `json:"persona"`

	Status        Status                   `json:"status"`
	Inventory     map[string]InventoryItem `json:"inventory"`
	Spells        map[string]SpellInfo     `json:"spells"`
	Relationships map[string]RelationInfo  `json:"relationships"`
	Summary       []string                 `json:"summary"`   // narrative chapters, append-only
	WorldLog      []string                 `json:"world_log"` // world-event log

	UpdatedAt            int64 `json:"updated_at"`             // unix ms
	LastSummaryTimestamp int64 `json:"last_summary_timestamp"` // unix ms; logs at or before it are folded into Summary
}

// normalize fills nil collections and repairs zero inventory counts.
func (c *Character) normalize() {
	if c.Inventory == nil {
		c.Inventory = map[string]InventoryItem{}
	}
	for name, item := range c.Inventory {
		if item.Count <= 0 {
			item.Count = 1
			c.Inventory[name] = item
		}
	}
	if c.Spells == nil {
		c.Spells = map[string]SpellInfo{}
	}
	if c.Relationships == nil {
		c.Relationships = map[string]RelationInfo{}
	}
	if c.Summary == nil {
		c.Summary = []string{}
	}
	if c.WorldLog == nil {
		c.WorldLog = []string{}
	}
}

// ChatLog is one message of a character's transcript.
type ChatLog struct {
	ID               int64  `json:"id"`
	CharacterID      int64  `json:"character_id"`
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Timestamp        int64  `json:"timestamp"` // unix ms, strictly increasing per character
}

// LogPatch lists the fields to overwrite on a log entry. Nil fields are kept.
type LogPatch struct {
	Content          *string
	ReasoningContent *string
}
