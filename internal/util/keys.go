package util

import "strconv"

// NextFreeKey returns base if unused, else base followed by the first free letter a..z.
// When all 26 are taken it keeps appending letters to the last candidate.
func NextFreeKey(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	candidate := base
	for {
		for c := 'a'; c <= 'z'; c++ {
			k := candidate + string(c)
			if !taken(k) {
				return k
			}
		}
		candidate += "z"
	}
}

// NextNumberedKey returns base if unused, else base-2, base-3, ...
func NextNumberedKey(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for n := 2; ; n++ {
		k := base + "-" + strconv.Itoa(n)
		if !taken(k) {
			return k
		}
	}
}
