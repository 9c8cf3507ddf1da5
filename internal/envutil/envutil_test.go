package envutil

import "testing"

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"1":     true,
		"true":  true,
		"YES":   true,
		" on ":  true,
		"t":     true,
		"":      false,
		"0":     false,
		"false": false,
		"nope":  false,
	}
	for input, want := range cases {
		if got := ParseBool(input); got != want {
			t.Errorf("ParseBool(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestInt(t *testing.T) {
	t.Setenv("PROBLY_TEST_INT", "42")
	if got := Int("PROBLY_TEST_INT", 7); got != 42 {
		t.Fatalf("Int = %d, want 42", got)
	}
	if got := Int("PROBLY_TEST_INT_MISSING", 7); got != 7 {
		t.Fatalf("Int fallback = %d, want 7", got)
	}
	t.Setenv("PROBLY_TEST_INT", "not-a-number")
	if got := Int("PROBLY_TEST_INT", 7); got != 7 {
		t.Fatalf("Int invalid = %d, want 7", got)
	}
}
