package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeDecision_Valid(t *testing.T) {
	d, err := DecodeDecision([]byte(`{
	  "action_type":"interact",
	  "target_guid":"12",
	  "interaction_id":7,
	  "speech_text":null,
	  "thought_process":"tired",
	  "memory_add":"extra keys are tolerated"
	}`))
	if err != nil {
		t.Fatalf("DecodeDecision: %v", err)
	}
	if d.Kind() != ActionInteract {
		t.Fatalf("kind=%q want INTERACT", d.Kind())
	}
	if d.TargetGUID == nil || *d.TargetGUID != "12" {
		t.Fatalf("target_guid=%v", d.TargetGUID)
	}
	if d.InteractionID == nil || *d.InteractionID != 7 {
		t.Fatalf("interaction_id=%v", d.InteractionID)
	}
	if d.SpeechText != nil {
		t.Fatalf("speech_text should be absent, got %q", *d.SpeechText)
	}
}

func TestDecodeDecision_MoveTo(t *testing.T) {
	d, err := DecodeDecision([]byte(`{"action_type":"MOVE","move_to":{"x":3,"y":-4,"reason":"bored"}}`))
	if err != nil {
		t.Fatalf("DecodeDecision: %v", err)
	}
	if d.MoveTo == nil || d.MoveTo.X != 3 || d.MoveTo.Y != -4 {
		t.Fatalf("move_to=%+v", d.MoveTo)
	}
}

func TestDecodeDecision_UnknownKindIsNotAnError(t *testing.T) {
	d, err := DecodeDecision([]byte(`{"action_type":"DANCE"}`))
	if err != nil {
		t.Fatalf("DecodeDecision: %v", err)
	}
	if d.Kind() != ActionNone {
		t.Fatalf("kind=%q want NONE", d.Kind())
	}
}

func TestDecodeDecision_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":           ``,
		"blank":           "  \n ",
		"null":            `null`,
		"array":           `[]`,
		"string":          `"CHAT"`,
		"truncated":       `{"action_type":"CHAT"`,
		"html":            `<html>502 Bad Gateway</html>`,
		"id as string":    `{"action_type":"INTERACT","target_guid":"1","interaction_id":"7"}`,
		"fractional id":   `{"action_type":"INTERACT","target_guid":"1","interaction_id":7.5}`,
		"guid as number":  `{"action_type":"INTERACT","target_guid":1,"interaction_id":7}`,
		"move_to missing": `{"action_type":"MOVE","move_to":{"x":1}}`,
		"move_to array":   `{"action_type":"MOVE","move_to":[1,2]}`,
		"trailing":        `{"action_type":"CHAT"} {"action_type":"MOVE"}`,
	}
	for name, body := range cases {
		if _, err := DecodeDecision([]byte(body)); err == nil {
			t.Fatalf("%s: expected error for %q", name, body)
		}
	}
}

func TestParseActionKind(t *testing.T) {
	cases := map[string]ActionKind{
		"CHAT":       ActionChat,
		" chat ":     ActionChat,
		"Move":       ActionMove,
		"interact":   ActionInteract,
		"IDLE":       ActionNone,
		"NONE":       ActionNone,
		"":           ActionNone,
		"teleport":   ActionNone,
	}
	for in, want := range cases {
		if got := ParseActionKind(in); got != want {
			t.Fatalf("ParseActionKind(%q)=%q want %q", in, got, want)
		}
	}
}

func TestThinkRequest_WireFieldNames(t *testing.T) {
	req := ThinkRequest{
		SimName: "Bella",
		Motives: map[string]int{"Hunger": 50},
		NearbyObjects: []ObjectInfo{{
			GUID:         "123",
			Name:         "Fridge",
			Distance:     2.5,
			Interactions: []InteractionInfo{{ID: 1, Name: "Food/Have Snack"}},
		}},
		RecentChat:    []string{},
		CurrentAction: "IDLE",
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	for _, key := range []string{`"sim_name"`, `"motives"`, `"nearby_objects"`, `"guid"`, `"distance"`, `"interactions"`, `"recent_chat":[]`, `"current_action"`} {
		if !strings.Contains(s, key) {
			t.Fatalf("missing %s in %s", key, s)
		}
	}
}
