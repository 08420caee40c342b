package cache

import "testing"

func TestExclusionList_NilExcludesNothing(t *testing.T) {
	var el *ExclusionList
	if el.Matches("gpt-4o") {
		t.Fatal("nil list must never match")
	}
	if el.Len() != 0 {
		t.Fatalf("nil list Len = %d, want 0", el.Len())
	}
}

func TestExclusionList_Matching(t *testing.T) {
	el, err := NewExclusionList(
		[]string{"sonar-pro", "", "gemini-2.0-flash"},
		[]string{`^gpt-4o-realtime`, "", `-audio-`},
	)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}
	if el.Len() != 4 {
		t.Fatalf("Len = %d, want 4 (empty rules skipped)", el.Len())
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"sonar-pro", true},
		{"gemini-2.0-flash", true},
		{"gpt-4o-realtime-preview", true},
		{"gpt-4o-audio-preview", true},
		{"Sonar-Pro", false}, // exact ids are case-sensitive
		{"sonar", false},
		{"gpt-4o", false},
		{"claude-3-5-sonnet", false},
	}
	for _, tc := range cases {
		if got := el.Matches(tc.model); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestExclusionList_RejectsBadPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{`[unclosed(`}); err == nil {
		t.Fatal("expected a compile error for the invalid pattern")
	}
}
