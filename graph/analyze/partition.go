package analyze

// Partition splits items into n contiguous slices of len(items)/n elements
// each; the remainder is appended to the last slice. It always returns n
// slices (some possibly empty) for n > 0, and a single slice otherwise.
//
// The slices share items' backing array except the last one, which is a
// copy when it receives a remainder.
func Partition[T any](items []T, n int) [][]T {
	if n <= 1 {
		return [][]T{items}
	}
	size := len(items) / n
	out := make([][]T, n)
	for i := 0; i < n; i++ {
		out[i] = items[i*size : (i+1)*size : (i+1)*size]
	}
	if rest := items[n*size:]; len(rest) > 0 {
		last := make([]T, 0, size+len(rest))
		last = append(last, out[n-1]...)
		out[n-1] = append(last, rest...)
	}
	return out
}
