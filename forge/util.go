package forge

import "fmt"

// addUint64Checked adds a and b, rejecting the result if it would overflow
// uint64 — used wherever the transfer pipeline sums token amounts (spec.md
// §4.2's sum(outs) ≤ sum(ins) check).
func addUint64Checked(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, fmt.Errorf("amount sum overflows uint64")
	}
	return sum, nil
}
