package pilot

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// topicHash ignores case, spaces and punctuation so near-identical titles
// collide.
func topicHash(topic string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(topic) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:32]
}

// freshTopics returns up to n candidate topics whose hash is not in used,
// deduplicated within the batch too.
func freshTopics(dir Direction, used map[string]struct{}, n int) []string {
	if n <= 0 {
		return nil
	}
	candidates := dir.Topics
	if len(candidates) == 0 {
		candidates = dir.Keywords
	}
	if len(candidates) == 0 {
		candidates = []string{dir.Name}
	}
	batch := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		h := topicHash(c)
		if _, ok := used[h]; ok {
			continue
		}
		if _, ok := batch[h]; ok {
			continue
		}
		batch[h] = struct{}{}
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	return out
}
