package gate

import "math"

// Entropy returns the Shannon entropy of s in bits per character.
// Higher entropy indicates more randomness (more likely to be a secret).
func Entropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]int)
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}
	var entropy float64
	length := float64(n)
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}
