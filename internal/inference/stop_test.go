package inference

import "testing"

func pushText(m *stopMatcher, texts ...string) (released []Token, stopped bool) {
	for i, s := range texts {
		rel, stop := m.push(Token{ID: i, Text: s})
		released = append(released, rel...)
		if stop {
			return released, true
		}
	}
	return released, false
}

func joinText(toks []Token) string {
	var s string
	for _, t := range toks {
		s += t.Text
	}
	return s
}

func TestStopMatcherNil(t *testing.T) {
	if m := newStopMatcher(nil); m != nil {
		t.Fatal("matcher for no stops should be nil")
	}
	if m := newStopMatcher([]string{""}); m != nil {
		t.Fatal("matcher for empty stop should be nil")
	}
}

func TestStopMatcherWholeToken(t *testing.T) {
	m := newStopMatcher([]string{"END"})
	rel, stopped := m.push(Token{Text: "END"})
	if !stopped {
		t.Fatal("stop not detected")
	}
	if len(rel) != 0 {
		t.Fatalf("released %v, want none", rel)
	}
}

func TestStopMatcherHoldAndRelease(t *testing.T) {
	m := newStopMatcher([]string{"END"})

	rel, stopped := m.push(Token{Text: "E"})
	if stopped || len(rel) != 0 {
		t.Fatalf("push E: released %v stopped %v", rel, stopped)
	}
	rel, stopped = m.push(Token{Text: "X"})
	if stopped {
		t.Fatal("EX stopped")
	}
	if got := joinText(rel); got != "EX" {
		t.Fatalf("after EX released %q, want %q", got, "EX")
	}

	rel, stopped = pushText(m, "EN", "D")
	if !stopped {
		t.Fatal("END across tokens not detected")
	}
	if len(rel) != 0 {
		t.Fatalf("released %v, want none", rel)
	}
}

func TestStopMatcherStraddle(t *testing.T) {
	m := newStopMatcher([]string{"END"})

	rel, stopped := m.push(Token{Text: "aE"})
	if stopped || len(rel) != 0 {
		t.Fatalf("held token leaked: %v stopped %v", rel, stopped)
	}
	rel, stopped = m.push(Token{Text: "ND"})
	if !stopped {
		t.Fatal("stop not detected")
	}
	if got := joinText(rel); got != "a" {
		t.Fatalf("released %q, want truncated %q", got, "a")
	}
}

func TestStopMatcherMultiple(t *testing.T) {
	m := newStopMatcher([]string{"!!", "??"})

	rel, stopped := m.push(Token{Text: "?"})
	if stopped || len(rel) != 0 {
		t.Fatalf("push ?: released %v stopped %v", rel, stopped)
	}
	rel, stopped = m.push(Token{Text: "!"})
	if stopped {
		t.Fatal("?! stopped")
	}
	if got := joinText(rel); got != "?" {
		t.Fatalf("after ?! released %q, want %q", got, "?")
	}
	_, stopped = m.push(Token{Text: "!"})
	if !stopped {
		t.Fatal("!! not detected")
	}
}

func TestStopMatcherFlush(t *testing.T) {
	m := newStopMatcher([]string{"XY"})

	if rel, _ := m.push(Token{Text: "X"}); len(rel) != 0 {
		t.Fatalf("X released early: %v", rel)
	}
	out := m.flush()
	if got := joinText(out); got != "X" {
		t.Fatalf("flush = %q, want %q", got, "X")
	}
	if again := m.flush(); len(again) != 0 {
		t.Fatalf("second flush = %v, want empty", again)
	}
}
