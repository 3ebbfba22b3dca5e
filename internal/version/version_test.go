package version

import "testing"

func TestValidateRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "1.0.", "v1.0", "1..0"} {
		if _, err := Validate(s); err == nil {
			t.Fatalf("expected InvalidVersion for %q", s)
		}
	}
}

func TestCompareTotalOrder(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0-alpha", "1.0", -1},
		{"1.0", "1.0-alpha", 1},
		{"1.0", "1.0.1", -1},
		{"1.0.1", "1.0", 1},
		{"1.0-alpha.1", "1.0-alpha.2", -1},
		{"1.0-alpha.2", "1.0-alpha.10", -1}, // numeric identifier compare
		{"1.0-alpha", "1.0-alpha.1", -1},    // shorter prefix wins
		{"1.0-alpha", "1.0-beta", -1},
		{"1.0-1", "1.0-alpha", -1}, // numeric < non-numeric
		{"2.0", "10.0", -1},
	}
	for _, c := range cases {
		av, err := Validate(c.a)
		if err != nil {
			t.Fatalf("parse %q: %v", c.a, err)
		}
		bv, err := Validate(c.b)
		if err != nil {
			t.Fatalf("parse %q: %v", c.b, err)
		}
		if got := Compare(av, bv); got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSatisfiesVirtual(t *testing.T) {
	ok, err := Satisfies(Virtual, OpGE, "2.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("virtual should satisfy any constraint")
	}
}

func TestSatisfiesOperators(t *testing.T) {
	cases := []struct {
		v    string
		op   Op
		req  string
		want bool
	}{
		{"1.0", OpEQ, "1.0", true},
		{"1.0", OpEQ2, "1.0", true},
		{"1.0", OpNE, "1.1", true},
		{"1.0", OpLT, "1.1", true},
		{"1.1", OpLE, "1.1", true},
		{"2.0", OpGT, "1.9", true},
		{"2.0", OpGE, "2.0", true},
		{"2.0", OpGT, "2.0", false},
	}
	for _, c := range cases {
		got, err := Satisfies(c.v, c.op, c.req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != c.want {
			t.Errorf("Satisfies(%q,%q,%q) = %v, want %v", c.v, c.op, c.req, got, c.want)
		}
	}
}

func TestSortVersions(t *testing.T) {
	ok, bad := SortVersions([]string{"1.0.1", "1.0", "1.0-alpha", "garbage", "2.0"})
	if len(bad) != 1 || bad[0] != "garbage" {
		t.Fatalf("unexpected bad list: %v", bad)
	}
	want := []string{"1.0-alpha", "1.0", "1.0.1", "2.0"}
	if len(ok) != len(want) {
		t.Fatalf("got %v want %v", ok, want)
	}
	for i := range want {
		if ok[i] != want[i] {
			t.Fatalf("got %v want %v", ok, want)
		}
	}
}
