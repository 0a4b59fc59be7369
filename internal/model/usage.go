package model

// TokenUsage accumulates token counts from engine responses. Thinking is an
// estimate; the API reports thinking output inside OutputTokens, so Thinking
// tracks the share attributed to reasoning blocks.
type TokenUsage struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	Thinking      int64 `json:"thinking,omitempty"`
	CacheCreation int64 `json:"cache_creation,omitempty"`
	CacheRead     int64 `json:"cache_read,omitempty"`
}

// Add returns the element-wise sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Input:         u.Input + other.Input,
		Output:        u.Output + other.Output,
		Thinking:      u.Thinking + other.Thinking,
		CacheCreation: u.CacheCreation + other.CacheCreation,
		CacheRead:     u.CacheRead + other.CacheRead,
	}
}

// Total is the sum of all token counts that bill against a request.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.CacheCreation + u.CacheRead
}
