package approval

// StandingApproval is a persisted allow-always grant. A later request
// with the same bind hash skips the human prompt entirely, so the hash
// scope (command, payload, agent, session) is the whole grant.
type StandingApproval struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	BindHash    string `json:"bindHash"`
	Summary     string `json:"summary"`
	AgentID     string `json:"agentId,omitempty"`
	SessionKey  string `json:"sessionKey,omitempty"`
	ResolvedBy  string `json:"resolvedBy"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// HistoryEntry records one resolved approval for audit.
type HistoryEntry struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	BindHash     string   `json:"bindHash"`
	Summary      string   `json:"summary"`
	Decision     Decision `json:"decision"`
	ResolvedBy   string   `json:"resolvedBy"`
	ResolvedAtMs int64    `json:"resolvedAtMs"`
}
