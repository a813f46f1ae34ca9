package protocol

// ThinkRequest is the per-agent state snapshot posted to the reasoning service.
type ThinkRequest struct {
	SimName       string         `json:"sim_name"`
	Motives       map[string]int `json:"motives,omitempty"`
	NearbyObjects []ObjectInfo   `json:"nearby_objects"`
	RecentChat    []string       `json:"recent_chat"`
	CurrentAction string         `json:"current_action"`
}

type ObjectInfo struct {
	GUID         string            `json:"guid"`
	Name         string            `json:"name"`
	Distance     float64           `json:"distance"`
	Interactions []InteractionInfo `json:"interactions"`
}

type InteractionInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Decision is the reasoning service response. Fields not relevant to the
// action kind are ignored.
type Decision struct {
	ActionType     string  `json:"action_type"`
	TargetGUID     *string `json:"target_guid,omitempty"`
	InteractionID  *int    `json:"interaction_id,omitempty"`
	SpeechText     *string `json:"speech_text,omitempty"`
	MoveTo         *Tile   `json:"move_to,omitempty"`
	ThoughtProcess string  `json:"thought_process,omitempty"`
	Debug          string  `json:"debug,omitempty"`
}

type Tile struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (d Decision) Kind() ActionKind { return ParseActionKind(d.ActionType) }
