// Package levenshtein calculates Levenshtein distance and a derived
// similarity ratio between strings, used to match free-text anime titles
// against metadata lookup results.
package levenshtein

// ComputeDistance computes the Levenshtein distance between the two strings
// passed as arguments. Works on runes (Unicode code points) but does not
// normalize the input strings.
func ComputeDistance(str1, str2 string) int {
	if str1 == str2 {
		return 0
	}

	runes1 := []rune(str1)
	runes2 := []rune(str2)

	if len(runes1) == 0 {
		return len(runes2)
	}
	if len(runes2) == 0 {
		return len(runes1)
	}

	// Keep the shorter string in runes1 so the working row stays small.
	if len(runes1) > len(runes2) {
		runes1, runes2 = runes2, runes1
	}

	distances := make([]int, len(runes1)+1)
	for i := range distances {
		distances[i] = i
	}

	for i := 1; i <= len(runes2); i++ {
		prev := i
		for j := 1; j <= len(runes1); j++ {
			current := distances[j-1] // match
			if runes2[i-1] != runes1[j-1] {
				current = min(distances[j-1], min(prev, distances[j])) + 1
			}
			distances[j-1] = prev
			prev = current
		}
		distances[len(runes1)] = prev
	}

	return distances[len(runes1)]
}

// Ratio returns a similarity ratio between the two strings in [0, 1], where 1
// means the strings are identical. The ratio is the Levenshtein distance
// normalized by the length of the longer string.
func Ratio(str1, str2 string) float64 {
	longest := max(len([]rune(str1)), len([]rune(str2)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(ComputeDistance(str1, str2))/float64(longest)
}
