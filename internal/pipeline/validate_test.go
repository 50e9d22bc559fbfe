package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestValidatorEnforcesCustomRules(t *testing.T) {
	v := newValidator()

	cases := map[string]struct {
		req TurnRequest
		tag string
	}{
		"oversized session id": {TurnRequest{SessionID: strings.Repeat("s", MaxSessionIDBytes+1)}, "maxbytes"},
		"oversized text":       {TurnRequest{SessionID: "s1", Text: strings.Repeat("é", MaxTextBytes/2+1)}, "maxbytes"},
		"invalid utf8":         {TurnRequest{SessionID: "s1", Text: "door \xff"}, "utf8"},
	}
	for name, tc := range cases {
		err := v.Struct(tc.req)
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || verrs[0].Tag() != tc.tag {
			t.Fatalf("%s: error = %v, want a %s failure", name, err, tc.tag)
		}
		if !errors.Is(invalid(err), ErrInvalidInput) {
			t.Fatalf("%s: invalid() does not wrap ErrInvalidInput", name)
		}
	}

	exact := TurnRequest{SessionID: strings.Repeat("s", MaxSessionIDBytes), Text: strings.Repeat("a", MaxTextBytes)}
	if err := v.Struct(exact); err != nil {
		t.Fatalf("requests at the byte limits rejected: %v", err)
	}
}
