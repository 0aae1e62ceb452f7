package moderation

import (
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// Censor masks blocked words in chat text. Matching ignores case,
// punctuation and common digit substitutions, so "B.4.d" still matches
// "bad"; the masked span covers the original characters. Only whole words
// match: "class" does not contain "ass".
type Censor struct {
	machine *goahocorasick.Machine
	mask    rune
}

// folded is text with noise removed; index[i] is the position in the
// original runes of folded rune i, start[i] is set when a word begins there
// and letter[i] when the original rune was a letter rather than a substitute.
type folded struct {
	runes  []rune
	index  []int
	start  []bool
	letter []bool
}

// whole reports whether runes [from, to) are not glued to letters on either side.
func (f folded) whole(from, to int) bool {
	before := f.start[from] || !f.letter[from-1]
	after := to == len(f.runes) || f.start[to] || !f.letter[to]
	return before && after
}

// NewCensor builds the matcher. An empty word list yields a censor that
// leaves every text untouched.
func NewCensor(words []string, mask rune) (*Censor, error) {
	patterns := lo.FilterMap(words, func(w string, _ int) ([]rune, bool) {
		f := fold(w)
		return f.runes, len(f.runes) > 0
	})
	c := &Censor{mask: mask}
	if len(patterns) == 0 {
		return c, nil
	}
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	c.machine = m
	return c, nil
}

// Apply returns text with every blocked word masked and whether anything changed.
func (c *Censor) Apply(text string) (string, bool) {
	if c.machine == nil || text == "" {
		return text, false
	}
	f := fold(text)
	if len(f.runes) == 0 {
		return text, false
	}
	hits := c.machine.MultiPatternSearch(f.runes, false)
	if len(hits) == 0 {
		return text, false
	}

	original := []rune(text)
	changed := false
	for _, hit := range hits {
		end := hit.Pos + len(hit.Word)
		if hit.Pos < 0 || end > len(f.index) || !f.whole(hit.Pos, end) {
			continue
		}
		for i := f.index[hit.Pos]; i <= f.index[end-1]; i++ {
			original[i] = c.mask
		}
		changed = true
	}
	if !changed {
		return text, false
	}
	return string(original), true
}

func fold(text string) folded {
	runes := []rune(text)
	out := folded{
		runes:  make([]rune, 0, len(runes)),
		index:  make([]int, 0, len(runes)),
		start:  make([]bool, 0, len(runes)),
		letter: make([]bool, 0, len(runes)),
	}
	boundary := true
	for i, orig := range runes {
		if unicode.IsSpace(orig) {
			boundary = true
			continue
		}
		r := unleet(orig)
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		out.runes = append(out.runes, unicode.ToLower(r))
		out.index = append(out.index, i)
		out.start = append(out.start, boundary)
		out.letter = append(out.letter, unicode.IsLetter(orig))
		boundary = false
	}
	return out
}

func unleet(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	}
	return r
}
