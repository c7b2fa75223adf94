package llm

// Request types for the game-master chat and summarize endpoints.

// Message is one turn of conversation history. Reasoning and ids are never sent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Profile struct {
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	House       string `json:"house"`
	BloodStatus string `json:"blood_status"`
	Wand        string `json:"wand"`
	Patronus    string `json:"patronus"`
}

// GameState is the snapshot of the character sent with every turn. The map
// and status values are passed through as the store holds them.
type GameState struct {
	Profile       Profile  `json:"profile"`
	Status        any      `json:"status"`
	Inventory     any      `json:"inventory"`
	Spells        any      `json:"spells"`
	Relationships any      `json:"relationships"`
	WorldLog      []string `json:"world_log"`
}

type ChatRequest struct {
	Messages  []Message `json:"messages"`
	Summary   []string  `json:"summary"`
	Persona   string    `json:"persona"`
	GameState GameState `json:"game_state"`
	APIKey    string    `json:"api_key"`
	Model     string    `json:"model"`
}

type SummarizeRequest struct {
	Messages []Message `json:"messages"`
	APIKey   string    `json:"api_key"`
	Model    string    `json:"model"`
}

// Response types

// Event types produced by Stream.Recv.
const (
	EventText    = "text"
	EventThought = "thought"
)

// StreamEvent is one classified frame of the chat stream.
type StreamEvent struct {
	Type    string // EventText or EventThought
	Content string
}

// summarizeResponse accepts both the bare {summary} body and the backend
// envelope {code, message, data: {summary}}.
type summarizeResponse struct {
	Summary string `json:"summary"`
	Code    *int   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Summary string `json:"summary"`
	} `json:"data,omitempty"`
}
