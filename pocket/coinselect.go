package pocket

import (
	"sort"
	"strconv"

	"tokenforge/wireerr"
)

// denomBucket is one owned denomination and the token hashes available at
// it, the shape spec.md §4.5 enumerates as `{(d_i, count_i)}`.
type denomBucket struct {
	amount uint64
	hashes []string
}

// selection is the best combination selectCoins has found so far: counts[i]
// token hashes taken from denoms[i], for every i.
type selection struct {
	found  bool
	sum    uint64
	taken  int
	counts []int
}

// selectCoins implements the coin-selection algorithm of spec.md §4.5: an
// exhaustive search over how many tokens to take from each denomination,
// picking the combination whose sum is >= target, minimizing the sum
// (change) first and the number of inputs second. Grounded on the shape of
// degeri-dcrlnd's lnwallet/chanfunding coin selector — enumerate candidate
// baskets, score each, keep the best — adapted here to denominations-with-
// counts instead of arbitrary-value UTXOs, since every FUNGIBLE token at a
// given denomination is interchangeable for selection purposes.
func selectCoins(denoms []denomBucket, target uint64) ([]string, error) {
	if target == 0 {
		return nil, wireerr.New(wireerr.BadRequest, "transfer amount must be positive")
	}

	sort.Slice(denoms, func(i, j int) bool { return denoms[i].amount > denoms[j].amount })

	// suffixMax[i] bounds the largest sum achievable using denoms[i:],
	// letting the search prune branches that can never reach target.
	suffixMax := make([]uint64, len(denoms)+1)
	for i := len(denoms) - 1; i >= 0; i-- {
		suffixMax[i] = suffixMax[i+1] + denoms[i].amount*uint64(len(denoms[i].hashes))
	}

	best := selection{}
	counts := make([]int, len(denoms))

	var search func(i int, sum uint64, taken int)
	search = func(i int, sum uint64, taken int) {
		if i == len(denoms) {
			if sum < target {
				return
			}
			if !best.found || sum < best.sum || (sum == best.sum && taken < best.taken) {
				best = selection{found: true, sum: sum, taken: taken, counts: append([]int(nil), counts...)}
			}
			return
		}
		if sum+suffixMax[i] < target {
			return
		}
		if best.found && sum > best.sum {
			// Every deeper branch from here only adds more, so it can't
			// beat a best whose sum this branch has already exceeded.
			return
		}
		n := len(denoms[i].hashes)
		for k := 0; k <= n; k++ {
			counts[i] = k
			search(i+1, sum+denoms[i].amount*uint64(k), taken+k)
		}
		counts[i] = 0
	}
	search(0, 0, 0)

	if !best.found {
		return nil, wireerr.New(wireerr.BadRequest, "insufficient funds")
	}

	out := make([]string, 0, best.taken)
	for i, k := range best.counts {
		out = append(out, denoms[i].hashes[:k]...)
	}
	return out, nil
}

// selectCoinsForAmount gathers issuer's owned denomination buckets from the
// coin-selection index and runs selectCoins against target.
func (pk *Pocket) selectCoinsForAmount(issuer string, target uint64) ([]string, error) {
	pk.store.mu.Lock()
	idx := pk.store.state.TokenIndex[issuer]
	denoms := make([]denomBucket, 0, len(idx))
	for denomStr, hashes := range idx {
		if len(hashes) == 0 {
			continue
		}
		amount, err := strconv.ParseUint(denomStr, 10, 64)
		if err != nil {
			continue
		}
		denoms = append(denoms, denomBucket{amount: amount, hashes: append([]string(nil), hashes...)})
	}
	pk.store.mu.Unlock()

	return selectCoins(denoms, target)
}
