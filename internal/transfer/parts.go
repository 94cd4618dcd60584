package transfer

// PartSize is the fixed part size negotiated with the endpoint. The
// maximum chunk the protocol allows gives the fewest round trips, so it is
// always used.
const PartSize = 512 * 1024

// LargeFileThreshold is the size above which uploads use the big-file wire
// call and skip checksum computation.
const LargeFileThreshold = 10 << 20

// partCount returns ceil(totalSize / PartSize).
func partCount(totalSize int64) int {
	return int((totalSize + PartSize - 1) / PartSize)
}

// planParts splits parts across conns workers: every worker gets the
// minimum share and the first (parts mod conns) workers get one extra.
// The budgets partition [0, parts) exactly.
func planParts(parts, conns int) []int {
	budgets := make([]int, conns)
	minimum := parts / conns
	remainder := parts % conns
	for i := range budgets {
		budgets[i] = minimum
		if i < remainder {
			budgets[i]++
		}
	}
	return budgets
}
