package service

import "testing"

func TestParseSelfEvaluation(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  bool
	}{
		{"empty is fail-open", "", true},
		{"json true", `{"comprehensive": true, "reason": "covers it"}`, true},
		{"json false", `{"comprehensive": false, "reason": "misses edge cases"}`, false},
		{"fenced json false", "```json\n{\"comprehensive\": false}\n```", false},
		{"fenced json true", "```\n{\"comprehensive\": true}\n```", true},
		// "not comprehensive" contains "comprehensive": negatives must win.
		{"negative phrase beats positive substring", "The answer is not comprehensive.", false},
		{"plain positive", "Yes, this answer is comprehensive.", true},
		{"incomplete", "The response is incomplete.", false},
		{"insufficient", "Insufficient detail about error handling.", false},
		{"ambiguous is fail-open", "Hmm, hard to say.", true},
		{"gibberish is fail-open", "@@@@", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseSelfEvaluation(tc.reply); got != tc.want {
				t.Fatalf("ParseSelfEvaluation(%q) = %v, want %v", tc.reply, got, tc.want)
			}
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	if got := stripCodeFence("```json\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Fatalf("got %q", got)
	}
	if got := stripCodeFence("no fence"); got != "no fence" {
		t.Fatalf("got %q", got)
	}
}
