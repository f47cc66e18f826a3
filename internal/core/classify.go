package core

// EqualPair couples matching elements of two classified collections.
type EqualPair[A, B any] struct {
	First  A
	Second B
}

// Classification partitions two collections into elements found only in the
// first, only in the second, and matched pairs.
type Classification[A, B any] struct {
	OnlyIn1 []A
	OnlyIn2 []B
	Equal   []EqualPair[A, B]
}

// ClassifyByEquals matches elements of c1 and c2. Candidates are bucketed by
// hash before equal is consulted, so hash1 and hash2 must agree for elements
// that are equal. Each element matches at most once. OnlyIn1 keeps the order
// of c1; OnlyIn2 and Equal follow c2.
func ClassifyByEquals[A, B any](c1 []A, c2 []B, hash1 func(A) uint64, hash2 func(B) uint64, equal func(A, B) bool) Classification[A, B] {
	buckets := make(map[uint64][]int, len(c1))
	for i, a := range c1 {
		h := hash1(a)
		buckets[h] = append(buckets[h], i)
	}
	matched := make([]bool, len(c1))

	var out Classification[A, B]
	for _, b := range c2 {
		found := -1
		for _, i := range buckets[hash2(b)] {
			if !matched[i] && equal(c1[i], b) {
				found = i
				break
			}
		}
		if found < 0 {
			out.OnlyIn2 = append(out.OnlyIn2, b)
			continue
		}
		matched[found] = true
		out.Equal = append(out.Equal, EqualPair[A, B]{First: c1[found], Second: b})
	}
	for i, a := range c1 {
		if !matched[i] {
			out.OnlyIn1 = append(out.OnlyIn1, a)
		}
	}
	return out
}
