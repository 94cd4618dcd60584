package transfer

// ConnPolicy decides how many parallel connections a transfer of the given
// size gets. Policies are injected at job construction and selected by
// configuration at startup.
type ConnPolicy func(fileSize int64, maxConns int) int

// DefaultConnPolicy scales parallelism with file size. Large files get the
// full connection budget; small files taper down to two connections, where
// extra round trips cost more than the parallelism buys.
func DefaultConnPolicy(fileSize int64, maxConns int) int {
	if maxConns < 1 {
		maxConns = 1
	}
	switch {
	case fileSize >= 8<<20:
		return maxConns
	case fileSize >= 10<<10:
		return min(4, maxConns)
	default:
		return min(2, maxConns)
	}
}
