package grpcapi

// Message shapes mirror govspine.proto field-for-field so the wire
// contract documented there stays the source of truth even though these
// travel JSON-encoded (see codec.go).

type SubmitRequest struct {
	IslandID       string `json:"island_id"`
	Text           string `json:"text"`
	DeadlineUnixMs int64  `json:"deadline_unix_ms"`
}

type SubmitResponse struct {
	IslandID       string `json:"island_id"`
	Response       string `json:"response"`
	DecisionAction string `json:"decision_action"`
	DecisionReason string `json:"decision_reason"`
	RecordID       string `json:"record_id"`
	Degraded       bool   `json:"degraded"`
}

type OpenIslandRequest struct{}

type OpenIslandResponse struct {
	IslandID string `json:"island_id"`
}

type CloseIslandRequest struct {
	IslandID string `json:"island_id"`
}

type CloseIslandResponse struct{}

type VerifyChainRequest struct {
	IslandID string `json:"island_id"`
}

type VerifyChainResponse struct {
	Valid bool `json:"valid"`
}

type TipRequest struct {
	IslandID string `json:"island_id"`
}

type TipResponse struct {
	Tip string `json:"tip"`
}
