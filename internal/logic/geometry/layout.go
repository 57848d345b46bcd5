package geometry

// Layout assigns one character per drum. Text longer than the display is
// truncated; shorter text is padded with blanks, on the right or, when
// centering, split so the extra blank goes to the right.
func Layout(text string, drums int, centering bool) []rune {
	if drums <= 0 {
		return nil
	}
	in := []rune(text)
	if len(in) > drums {
		in = in[:drums]
	}

	out := make([]rune, drums)
	for i := range out {
		out[i] = ' '
	}
	start := 0
	if centering {
		start = (drums - len(in)) / 2
	}
	copy(out[start:], in)
	return out
}

// RightAlign pads text on the left so it ends on the last drum.
func RightAlign(text string, drums int) []rune {
	in := []rune(text)
	if len(in) >= drums {
		return Layout(string(in[len(in)-drums:]), drums, false)
	}
	out := make([]rune, drums)
	for i := range out {
		out[i] = ' '
	}
	copy(out[drums-len(in):], in)
	return out
}
