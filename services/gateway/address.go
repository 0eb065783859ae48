package gateway

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// RandomIP returns prefix followed by a last octet drawn from [lo, hi),
// different from exclude. prefix carries its trailing dot, as in
// "10.0.0.".
func RandomIP(r *rand.Rand, prefix string, lo, hi int, exclude string) (string, error) {
	if lo < 0 || hi > 256 || hi <= lo {
		return "", fmt.Errorf("address range [%d, %d) is empty or out of bounds", lo, hi)
	}
	candidates := make([]int, 0, hi-lo)
	for n := lo; n < hi; n++ {
		if prefix+strconv.Itoa(n) != exclude {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no address in %s[%d, %d) other than %s", prefix, lo, hi, exclude)
	}
	var n int
	if r == nil {
		n = candidates[rand.IntN(len(candidates))]
	} else {
		n = candidates[r.IntN(len(candidates))]
	}
	return prefix + strconv.Itoa(n), nil
}

// ParseOctet reads a last-octet bound from configuration.
func ParseOctet(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse octet %q: %w", s, err)
	}
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("octet %d out of range", n)
	}
	return n, nil
}
