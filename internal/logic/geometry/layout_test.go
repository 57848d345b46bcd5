package geometry

import "testing"

func TestLayout(t *testing.T) {
	cases := []struct {
		name      string
		text      string
		drums     int
		centering bool
		want      string
	}{
		{"exact", "HELLO", 5, false, "HELLO"},
		{"pad_right", "HI", 6, false, "HI    "},
		{"centered_even", "HI", 6, true, "  HI  "},
		{"centered_odd", "HI", 5, true, " HI  "},
		{"truncated", "SPLITFLAP", 4, true, "SPLI"},
		{"empty", "", 3, true, "   "},
		{"unicode_counts_runes", "ÉTÉ", 4, false, "ÉTÉ "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := string(Layout(tc.text, tc.drums, tc.centering))
			if got != tc.want {
				t.Errorf("Layout(%q, %d, %v) = %q, want %q", tc.text, tc.drums, tc.centering, got, tc.want)
			}
		})
	}
}

func TestLayout_NoDrums(t *testing.T) {
	if got := Layout("X", 0, true); got != nil {
		t.Errorf("Layout with no drums = %q, want nil", string(got))
	}
}

func TestRightAlign(t *testing.T) {
	cases := []struct {
		text  string
		drums int
		want  string
	}{
		{"7", 3, "  7"},
		{"42", 2, "42"},
		{"1234", 3, "234"},
	}
	for _, tc := range cases {
		if got := string(RightAlign(tc.text, tc.drums)); got != tc.want {
			t.Errorf("RightAlign(%q, %d) = %q, want %q", tc.text, tc.drums, got, tc.want)
		}
	}
}
