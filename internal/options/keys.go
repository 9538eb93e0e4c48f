package options

import "strings"

// keyAssigner hands out unique single-letter keys for one option list.
//
// An explicit single alphabetic label is upper-cased and kept if unused.
// Anything else gets the positional letter ('A'+pos) when free, otherwise
// the next free letter after it.
type keyAssigner struct {
	used [26]bool
}

func (k *keyAssigner) assign(label string, pos int) string {
	label = strings.ToUpper(strings.TrimSpace(label))
	if len(label) == 1 && label[0] >= 'A' && label[0] <= 'Z' {
		i := int(label[0] - 'A')
		if !k.used[i] {
			k.used[i] = true
			return label
		}
	}
	for n := 0; n < 26; n++ {
		i := (pos + n) % 26
		if !k.used[i] {
			k.used[i] = true
			return string(rune('A' + i))
		}
	}
	// More than 26 options: keys can no longer be unique letters.
	return string(rune('A' + pos%26))
}
