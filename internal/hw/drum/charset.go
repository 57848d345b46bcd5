package drum

import (
	"fmt"
	"strconv"
	"strings"
)

// Charset is the ordered list of characters printed on a drum.
// Index 0 is the flap aligned with the sensor magnet and is always blank.
type Charset struct {
	name  string
	chars []rune
}

// The two drum printings in circulation. Shared by every drum using them.
var (
	Standard = &Charset{
		name:  "standard",
		chars: []rune(" ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"),
	}
	Extended = &Charset{
		name:  "extended",
		chars: []rune(" ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789':?!.-/$@#%"),
	}
)

// ParseCharset accepts a variant name or its size ("37", "48").
func ParseCharset(s string) (*Charset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return Standard, nil
	case "extended":
		return Extended, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q", s)
	}
	return CharsetForSize(n)
}

// CharsetForSize selects a variant by character count.
func CharsetForSize(n int) (*Charset, error) {
	switch n {
	case len(Standard.chars):
		return Standard, nil
	case len(Extended.chars):
		return Extended, nil
	default:
		return nil, fmt.Errorf("no charset with %d characters", n)
	}
}

func (c *Charset) Name() string { return c.name }

// Len returns the number of characters on the drum.
func (c *Charset) Len() int { return len(c.chars) }

// At returns the character at index i.
func (c *Charset) At(i int) rune { return c.chars[i] }

// Index returns the position of r in the set. Only ASCII letters are
// folded to upper case, so no other rune can alias a printed flap.
func (c *Charset) Index(r rune) (int, bool) {
	if r >= 'a' && r <= 'z' {
		r -= 'a' - 'A'
	}
	for i, ch := range c.chars {
		if ch == r {
			return i, true
		}
	}
	return 0, false
}

// Contains reports whether r can be shown.
func (c *Charset) Contains(r rune) bool {
	_, ok := c.Index(r)
	return ok
}

// String returns the characters in drum order.
func (c *Charset) String() string { return string(c.chars) }
