package algorithms

import "fmt"

// IndexToCombination is the canonical bijection between [0, base^length)
// and the set of strings of that length over charset (spec §4.7.1,
// P1). It is a direct port of the inline idx_to_comb helper repeated in
// both hash_coordinator/main.py and hash_computer_workers.py: repeatedly
// take charset[idx mod base] and divide, placing the first-taken
// character at the rightmost position.
func IndexToCombination(idx int64, charset string, length int) (string, error) {
	base := int64(len(charset))
	if base < 2 {
		return "", fmt.Errorf("charset must have at least 2 characters")
	}
	if length < 1 {
		return "", fmt.Errorf("length must be >= 1")
	}
	if idx < 0 {
		return "", fmt.Errorf("idx must be >= 0")
	}

	result := make([]byte, length)
	for pos := length - 1; pos >= 0; pos-- {
		result[pos] = charset[idx%base]
		idx /= base
	}
	return string(result), nil
}

// TotalCombinations returns base^length, the size of the key space.
func TotalCombinations(charset string, length int) int64 {
	base := int64(len(charset))
	total := int64(1)
	for i := 0; i < length; i++ {
		total *= base
	}
	return total
}
