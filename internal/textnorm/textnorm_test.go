package textnorm

import (
	"reflect"
	"testing"
)

func TestNormalizeFoldsCaseAndDiacritics(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"WHERE am I", "where am i"},
		{"Café Crème", "cafe creme"},
		{"I don’t remember", "i don't remember"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeInvalidUTF8(t *testing.T) {
	got := Normalize("ok\xffthen")
	if got != "ok then" {
		t.Fatalf("Normalize(invalid) = %q, want %q", got, "ok then")
	}
}

func TestTokens(t *testing.T) {
	got := Split("I'm lost!!! Where's the 'door'?")
	want := []string{"i'm", "lost", "where's", "the", "door"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Split() = %#v, want %#v", got, want)
	}
	if got := Split("   ...  "); len(got) != 0 {
		t.Fatalf("Split(punctuation) = %#v, want empty", got)
	}
}

func TestJaccard(t *testing.T) {
	if got := Jaccard([]string{"a", "b"}, []string{"b", "a", "a"}); got != 1 {
		t.Fatalf("Jaccard(same set) = %v, want 1", got)
	}
	if got := Jaccard([]string{"a", "b"}, []string{"c"}); got != 0 {
		t.Fatalf("Jaccard(disjoint) = %v, want 0", got)
	}
	if got := Jaccard([]string{"a", "b", "c"}, []string{"a", "b", "d"}); got != 0.5 {
		t.Fatalf("Jaccard(partial) = %v, want 0.5", got)
	}
}
