package generics

import (
	"slices"
	"strconv"
	"testing"
)

func TestSliceMap(t *testing.T) {
	got := SliceMap([]int{3, 1, 2}, strconv.Itoa)
	if !slices.Equal(got, []string{"3", "1", "2"}) {
		t.Errorf("got %v", got)
	}
}

func TestSortedKeys(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	// Since the builtin map iterator in Go is deliberately non-deterministic, we
	// run it a bunch of times to show it is stably sorted.
	want := []int{1, 3, 5}
	for _ = range 100 {
		got := slices.Collect(SortedKeys(m))
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSortedKeysAndValues(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	// Since the builtin map iterator in Go is deliberately non-deterministic, we
	// run it a bunch of times to show it is stably sorted.
	want := []int{1, 3, 5}
	for _ = range 100 {
		var keys []int
		for key, value := range SortedKeysAndValues(m) {
			keys = append(keys, key)
			if value != strconv.Itoa(key) {
				t.Errorf("key %d got value %q", key, value)
			}
		}
		if !slices.Equal(keys, want) {
			t.Errorf("got %v, want %v", keys, want)
		}
	}
}
