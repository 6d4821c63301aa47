package coin

// NoConsensus is returned by Majority when replicas disagree.
const NoConsensus int64 = -2

// Majority resolves the balances reported by replicas. Missing replies
// (nil) are ignored; the remaining values must all agree.
func Majority(values []*int64) int64 {
	var (
		decided bool
		v       int64
	)
	for _, p := range values {
		if p == nil {
			continue
		}
		if !decided {
			v, decided = *p, true
			continue
		}
		if *p != v {
			return NoConsensus
		}
	}
	if !decided {
		return NoConsensus
	}
	return v
}
