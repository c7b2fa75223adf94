package session

import (
	"context"
	"encoding/json"

	"github.com/youruser/hogsim/internal/llm"
)

// TokenEstimate breaks down the size of the request the next turn would send.
type TokenEstimate struct {
	Total     int `json:"total"`      // Total tokens that will be sent
	History   int `json:"history"`    // Recent log entries within the history window
	Summary   int `json:"summary"`    // Narrative chapters
	Persona   int `json:"persona"`    // Persona text
	GameState int `json:"game_state"` // Profile, status and collections
	Draft     int `json:"draft"`      // Text the user is typing
	Messages  int `json:"messages"`   // History entries counted
}

// EstimateTokens calculates token estimates for the next turn of a character.
func (s *Session) EstimateTokens(ctx context.Context, characterID int64, draft string) (*TokenEstimate, error) {
	character, err := s.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.RecentLogs(ctx, characterID, s.cfg.HistoryWindow)
	if err != nil {
		return nil, err
	}

	req := buildChatRequest(s.cfg, character, history)
	estimate := &TokenEstimate{Messages: len(req.Messages)}

	estimate.History = llm.EstimateMessages(req.Messages)
	for _, chapter := range req.Summary {
		estimate.Summary += llm.EstimateTokensSimple(chapter)
	}
	estimate.Persona = llm.EstimateTokensSimple(req.Persona)

	if data, err := json.Marshal(req.GameState); err == nil {
		estimate.GameState = llm.EstimateTokensSimple(string(data))
	}

	if draft != "" {
		estimate.Draft = llm.EstimateTokensSimple(draft)
	}

	estimate.Total = estimate.History + estimate.Summary + estimate.Persona + estimate.GameState + estimate.Draft
	return estimate, nil
}
