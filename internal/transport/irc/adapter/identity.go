package adapter

import (
	"strings"
	"sync"
)

// fallbackLadder builds the nickname candidates tried when the primary is
// taken: the primary and its reverse padded with zero to four trailing
// underscores, then rot13 of each padded with zero to three. The primary
// itself and any duplicates (palindromic nicks produce them) are dropped,
// so the result is deterministic and duplicate-free.
func fallbackLadder(primary string) []string {
	inverse := reverseString(primary)
	var raw []string
	for i := 0; i <= 4; i++ {
		pad := strings.Repeat("_", i)
		raw = append(raw, primary+pad, inverse+pad)
	}
	for i := 0; i < 4; i++ {
		pad := strings.Repeat("_", i)
		raw = append(raw, rot13(primary+pad), rot13(inverse+pad))
	}

	seen := map[string]bool{primary: true}
	out := make([]string, 0, len(raw))
	for _, nick := range raw {
		if seen[nick] {
			continue
		}
		seen[nick] = true
		out = append(out, nick)
	}
	return out
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func rot13(s string) string {
	out := []rune(s)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = 'a' + (c-'a'+13)%26
		case c >= 'A' && c <= 'Z':
			out[i] = 'A' + (c-'A'+13)%26
		}
	}
	return string(out)
}

// identity walks the fallback ladder for one connection attempt. The cursor
// rewinds on every fresh attempt so reconnects negotiate from the top.
type identity struct {
	mu      sync.Mutex
	primary string
	ladder  []string
	cursor  int
}

func newIdentity(primary string) *identity {
	return &identity{primary: primary, ladder: fallbackLadder(primary)}
}

func (id *identity) reset() {
	id.mu.Lock()
	id.cursor = 0
	id.mu.Unlock()
}

// collide returns the next candidate after the server rejected taken.
// Candidates equal to the rejected nick are skipped; past the end of the
// ladder the rejected nick simply grows an underscore.
func (id *identity) collide(taken string) string {
	id.mu.Lock()
	defer id.mu.Unlock()
	for id.cursor < len(id.ladder) {
		cand := id.ladder[id.cursor]
		id.cursor++
		if !strings.EqualFold(cand, taken) {
			return cand
		}
	}
	return taken + "_"
}
