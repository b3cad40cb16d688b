package schema

import "testing"

func TestStepSchemas(t *testing.T) {
	set, err := StepSchemas()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, id := range []string{"wait", "task", "message", "stage_move", "condition", "end"} {
		if !set.Has(id) {
			t.Fatalf("missing schema %s", id)
		}
	}

	cases := []struct {
		step  string
		cfg   map[string]any
		valid bool
	}{
		{"wait", map[string]any{"duration": "24h"}, true},
		{"wait", map[string]any{"duration_minutes": 90, "duration_type": "business"}, true},
		{"wait", map[string]any{}, true},
		{"wait", map[string]any{"duration": "1d"}, false},
		{"wait", map[string]any{"duration": "1h", "duration_minutes": 60}, false},
		{"task", map[string]any{"kind": "call", "title": "Call lead"}, true},
		{"task", map[string]any{"kind": "call"}, false},
		{"task", map[string]any{"kind": "call", "title": "x", "assign_to": "user"}, false},
		{"task", map[string]any{"kind": "call", "title": "x", "assign_to": "user", "assign_to_user_id": "u-1"}, true},
		{"message", map[string]any{"channel": "whatsapp", "template_name": "hello"}, true},
		{"message", map[string]any{"channel": "whatsapp"}, false},
		{"message", map[string]any{"channel": "fax", "body": "hi"}, false},
		{"stage_move", map[string]any{"stage_id": "s-2"}, true},
		{"stage_move", map[string]any{}, false},
		{"condition", map[string]any{"expression": "card.stage_id == \"s1\"", "if_true": "a"}, true},
		{"condition", map[string]any{"predicate": map[string]any{"type": "successful_contacts_gte", "value": 2}}, true},
		{"condition", map[string]any{"predicate": map[string]any{"type": "nope"}}, false},
		{"condition", map[string]any{"if_true": "a"}, false},
		{"end", map[string]any{"result": "lost", "loss_reason_id": "r-1"}, true},
		{"end", map[string]any{"result": "maybe"}, false},
	}
	for i, c := range cases {
		err := set.Validate(c.step, c.cfg)
		if c.valid && err != nil {
			t.Fatalf("case %d (%s): expected valid, got %v", i, c.step, err)
		}
		if !c.valid && err == nil {
			t.Fatalf("case %d (%s): expected invalid", i, c.step)
		}
	}
}
