package core

import (
	"slices"
	"testing"
)

func TestClassifyByEquals(t *testing.T) {
	identity := func(n int) uint64 { return uint64(n) }
	collide := func(int) uint64 { return 0 }
	eq := func(a, b int) bool { return a == b }

	tests := []struct {
		name    string
		c1, c2  []int
		hash    func(int) uint64
		only1   []int
		only2   []int
		matched []int
	}{
		{name: "empty", hash: identity},
		{name: "disjoint", c1: []int{1, 2}, c2: []int{3}, hash: identity, only1: []int{1, 2}, only2: []int{3}},
		{name: "duplicates match once", c1: []int{1, 2, 3, 3}, c2: []int{3, 4, 1}, hash: identity, only1: []int{2, 3}, only2: []int{4}, matched: []int{3, 1}},
		{name: "hash collisions", c1: []int{5, 6, 7}, c2: []int{7, 5, 8}, hash: collide, only1: []int{6}, only2: []int{8}, matched: []int{7, 5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyByEquals(tc.c1, tc.c2, tc.hash, tc.hash, eq)
			if !slices.Equal(got.OnlyIn1, tc.only1) {
				t.Fatalf("OnlyIn1 = %v, want %v", got.OnlyIn1, tc.only1)
			}
			if !slices.Equal(got.OnlyIn2, tc.only2) {
				t.Fatalf("OnlyIn2 = %v, want %v", got.OnlyIn2, tc.only2)
			}
			var matched []int
			for _, p := range got.Equal {
				if p.First != p.Second {
					t.Fatalf("pair %v mismatched", p)
				}
				matched = append(matched, p.First)
			}
			if !slices.Equal(matched, tc.matched) {
				t.Fatalf("Equal = %v, want %v", matched, tc.matched)
			}
		})
	}
}

func TestClassifyByEqualsAcrossTypes(t *testing.T) {
	type row struct {
		key string
		n   int
	}
	rows := []row{{"a", 1}, {"b", 2}}
	keys := []string{"b", "c"}
	got := ClassifyByEquals(rows, keys,
		func(r row) uint64 { return uint64(len(r.key)) },
		func(k string) uint64 { return uint64(len(k)) },
		func(r row, k string) bool { return r.key == k })
	if len(got.Equal) != 1 || got.Equal[0].First.n != 2 {
		t.Fatalf("Equal = %+v", got.Equal)
	}
	if len(got.OnlyIn1) != 1 || got.OnlyIn1[0].key != "a" {
		t.Fatalf("OnlyIn1 = %+v", got.OnlyIn1)
	}
	if !slices.Equal(got.OnlyIn2, []string{"c"}) {
		t.Fatalf("OnlyIn2 = %v", got.OnlyIn2)
	}
}
