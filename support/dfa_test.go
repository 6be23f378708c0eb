package support

import "testing"

// buildRedundantDFA accepts strings over {a,b} ending in "ab", built with
// deliberately redundant states that Minimize should collapse.
func buildRedundantDFA() *DFA {
	d := NewDFA(5, []byte{'a', 'b'})
	d.Start = 0
	// 0: start, 1: saw 'a', 2: saw "ab" (accept), 3/4: redundant copies of 1/2
	d.AddTransition(0, 'a', 1)
	d.AddTransition(0, 'b', 0)
	d.AddTransition(1, 'a', 1)
	d.AddTransition(1, 'b', 2)
	d.AddTransition(2, 'a', 3)
	d.AddTransition(2, 'b', 0)
	d.AddTransition(3, 'a', 3)
	d.AddTransition(3, 'b', 4)
	d.AddTransition(4, 'a', 3)
	d.AddTransition(4, 'b', 0)
	d.Accept[2] = true
	d.Accept[4] = true
	return d
}

func run(d *DFA, s string) bool {
	state := d.Start
	for i := 0; i < len(s); i++ {
		state = d.step(state, s[i])
		if state < 0 {
			return false
		}
	}
	return d.Accept[state]
}

func TestDFAMinimizePreservesLanguage(t *testing.T) {
	d := buildRedundantDFA()
	min := d.Minimize()

	if min.NumStates >= d.NumStates {
		t.Errorf("Minimize did not shrink state count: got %d, had %d", min.NumStates, d.NumStates)
	}

	samples := []string{"", "a", "ab", "aab", "abab", "b", "ba", "abb", "aabb"}
	for _, s := range samples {
		if got, want := run(min, s), run(d, s); got != want {
			t.Errorf("minimized DFA disagrees with original on %q: got %v, want %v", s, got, want)
		}
	}
}

func TestDFAMinimizeIdempotent(t *testing.T) {
	d := buildRedundantDFA()
	min1 := d.Minimize()
	min2 := min1.Minimize()
	if min2.NumStates != min1.NumStates {
		t.Errorf("minimizing an already-minimal DFA changed state count: %d vs %d", min2.NumStates, min1.NumStates)
	}
}
