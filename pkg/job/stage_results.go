package job

import "strconv"

// Stage returns the recorded results for a stage, or nil if none were
// recorded yet.
func (sr StageResults) Stage(n int) []Result {
	if sr == nil {
		return nil
	}
	return sr[strconv.Itoa(n)]
}

func (sr StageResults) Set(n int, results []Result) {
	sr[strconv.Itoa(n)] = results
}

// Contiguous reports whether the recorded stages form the prefix 1..upTo.
func (sr StageResults) Contiguous(upTo int) bool {
	for n := 1; n <= upTo; n++ {
		if _, ok := sr[strconv.Itoa(n)]; !ok {
			return false
		}
	}
	return true
}
