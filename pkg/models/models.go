package models

import (
	"strings"
	"time"
)

// Sentinel is returned verbatim when a request names an entity outside the schema.
const Sentinel = "ERROR: The request mentions entities that do not exist in the database schema. Please verify your request and try again."

// Action type labels used in history entries besides the parsed ActionType.
const (
	ActionUnknown = "Unknown"
	ActionError   = "Error"
)

type Document struct {
	Source string `json:"source"`
	Page   int    `json:"page"`
	Text   string `json:"text"`
}

type Chunk struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Page    int    `json:"page"`
	Offset  int    `json:"offset"`
	Seq     int    `json:"seq"`
	Content string `json:"content"`
}

type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// GenerationResponse holds either the structured answer or the sentinel, never both.
type GenerationResponse struct {
	ActionType   string   `json:"action_type,omitempty"`
	TargetTables []string `json:"target_tables,omitempty"`
	SQLSolution  string   `json:"sql_solution,omitempty"`
	Explanation  string   `json:"explanation,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// SentinelResponse returns the schema-violation response.
func SentinelResponse() GenerationResponse {
	return GenerationResponse{Error: Sentinel}
}

func (r GenerationResponse) IsSentinel() bool {
	return r.Error == Sentinel
}

// Text renders the response in the labeled layout operators see.
func (r GenerationResponse) Text() string {
	if r.IsSentinel() {
		return Sentinel
	}
	var b strings.Builder
	b.WriteString("Action Type: " + r.ActionType + "\n")
	b.WriteString("Target Table(s): " + strings.Join(r.TargetTables, ", ") + "\n")
	b.WriteString("SQL Solution:\n" + r.SQLSolution + "\n")
	b.WriteString("Explanation: " + r.Explanation)
	return b.String()
}

type HistoryEntry struct {
	Request    string    `json:"request"`
	ActionType string    `json:"action_type"`
	CreatedAt  time.Time `json:"created_at"`
}
