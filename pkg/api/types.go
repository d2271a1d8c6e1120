package api

// Error is the JSON error envelope returned by every failing endpoint.
type Error struct {
	Message *string `json:"message,omitempty"`
}

// Environment describes one service endpoint of an instance as returned to a
// team. Secret fields are blanked before records reach this type.
type Environment struct {
	Service    string `json:"service"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	SecretText string `json:"secret_text,omitempty"`
	Status     string `json:"status"`
}

// EnvironmentsResponse is the acquire and list response. Local is set for
// problems solved without a remote environment; Environments is empty then.
type EnvironmentsResponse struct {
	Local        bool          `json:"local"`
	Environments []Environment `json:"environments,omitempty"`
}

// ScoreRequest applies a grading result to a team's scoring round.
type ScoreRequest struct {
	TeamID  string `json:"team_id"`
	Percent int    `json:"percent"`
}
