package flow

import "testing"

func TestNormalizeAnswer(t *testing.T) {
	scale := Question{ID: "q", Kind: KindScale}
	bounded := Question{ID: "q", Kind: KindScale, Min: 1, Max: 10}
	yesno := Question{ID: "q", Kind: KindYesNo}
	text := Question{ID: "q", Kind: KindText}

	for _, tc := range []struct {
		name    string
		q       Question
		raw     string
		want    string
		wantErr bool
	}{
		{"scale in range", scale, "4", "4", false},
		{"scale trims whitespace", scale, "  3 ", "3", false},
		{"scale above default max", scale, "6", "", true},
		{"scale not a number", scale, "four", "", true},
		{"scale custom bounds", bounded, "10", "10", false},
		{"scale outside custom bounds", bounded, "11", "", true},
		{"yes normalized", yesno, "Yep", "yes", false},
		{"no normalized", yesno, "NAH", "no", false},
		{"yesno garbage", yesno, "maybe", "", true},
		{"text passthrough", text, "went for a run", "went for a run", false},
		{"empty rejected", text, "   ", "", true},
		{"unset kind acts as text", Question{ID: "q"}, "anything", "anything", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := normalizeAnswer(tc.q, tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("value = %q, want %q", got, tc.want)
			}
		})
	}
}
