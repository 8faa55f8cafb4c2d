// Package worker implements the Hash Worker (C8): work discovery, the
// parallel sub-chunk executor, and completion reporting. Grounded
// directly on
// _examples/original_source/dist/services/hash_worker/hash_computer_workers.py's
// compute_brute_subchunk/compute_dict_subchunk: the executor functions
// here are pure, self-contained routines safe to schedule on independent
// goroutines with no shared state, matching the Python original's
// picklable-multiprocessing-function contract (spec §4.8.3).
package worker

import (
	"encoding/hex"
	"fmt"

	"github.com/meshforge/fabricd/internal/fabric"
	"github.com/meshforge/fabricd/internal/hashcrack/algorithms"
	"github.com/meshforge/fabricd/internal/hashcrack/mutation"
)

// TargetSet is the set of hex-encoded target digests a sub-chunk checks
// candidates against.
type TargetSet map[string]struct{}

// NewTargetSet puts hex-encoded target hashes into a lookup set, keyed by
// the hex strings as given; they are not decoded or validated.
func NewTargetSet(targetHashesHex []string) (TargetSet, error) {
	set := make(TargetSet, len(targetHashesHex))
	for _, h := range targetHashesHex {
		set[h] = struct{}{}
	}
	return set, nil
}

func digestHex(algo algorithms.Name, candidate string, ssid string, extra map[string]any) (string, error) {
	if algo == algorithms.WPA || algo == algorithms.WPA2 {
		if ssid == "" {
			return "", fmt.Errorf("ssid required for wpa/wpa2")
		}
		return hex.EncodeToString(algorithms.ComputeWPAPSK(candidate, ssid)), nil
	}
	digest, err := algorithms.Compute(algo, []byte(candidate), extra)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}

// SubchunkResult is what one executor invocation returns: any matching
// solutions plus the number of candidates it hashed, used by the
// supervisor to compute a throughput sample for adaptive sizing.
type SubchunkResult struct {
	Solutions []fabric.Solution
	HashCount int64
}

// ComputeBruteSubchunk is the brute-mode executor: a pure function over
// (start, end, charset, length, algo, ssid, targetSet) with no shared
// state, directly grounded on compute_brute_subchunk.
func ComputeBruteSubchunk(start, end int64, charset string, length int, algo algorithms.Name, ssid string, target TargetSet) (SubchunkResult, error) {
	var result SubchunkResult

	for idx := start; idx < end; idx++ {
		combination, err := algorithms.IndexToCombination(idx, charset, length)
		if err != nil {
			return result, err
		}

		digest, err := digestHex(algo, combination, ssid, nil)
		if err != nil {
			return result, err
		}

		if _, matched := target[digest]; matched {
			result.Solutions = append(result.Solutions, fabric.Solution{
				Combination: combination,
				HashHex:     digest,
				Index:       idx,
				Mode:        string(fabric.ModeBrute),
			})
		}
		result.HashCount++
	}

	return result, nil
}

// ComputeDictSubchunk is the dictionary-mode executor: each word expands
// through the mutation pipeline (or passes through unmutated if no rules
// are configured) before hashing, directly grounded on
// compute_dict_subchunk.
func ComputeDictSubchunk(words []string, mutations_ []string, algo algorithms.Name, ssid string, target TargetSet, baseIndex int64) (SubchunkResult, error) {
	var result SubchunkResult

	for i, word := range words {
		var candidates []string
		if len(mutations_) > 0 {
			candidates = mutation.Apply(word, mutations_)
		} else {
			candidates = []string{word}
		}

		for _, candidate := range candidates {
			digest, err := digestHex(algo, candidate, ssid, nil)
			if err != nil {
				return result, err
			}

			if _, matched := target[digest]; matched {
				result.Solutions = append(result.Solutions, fabric.Solution{
					Combination: candidate,
					HashHex:     digest,
					Index:       baseIndex + int64(i),
					BaseWord:    word,
					Mode:        string(fabric.ModeDictionary),
				})
			}
			result.HashCount++
		}
	}

	return result, nil
}
