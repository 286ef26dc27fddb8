package common

import "sort"

// ExcludeSilos removes several silos from arr, keeping the order of the rest.
func ExcludeSilos(arr []SiloAddress, ele ...SiloAddress) []SiloAddress {
	tmp := make(map[SiloAddress]struct{}, len(ele))
	for _, v := range ele {
		tmp[v] = struct{}{}
	}
	ret := make([]SiloAddress, 0, len(arr))
	for _, v := range arr {
		if _, ok := tmp[v]; !ok {
			ret = append(ret, v)
		}
	}
	return ret
}

func ContainsSilo(arr []SiloAddress, s SiloAddress) bool {
	for _, v := range arr {
		if v == s {
			return true
		}
	}
	return false
}

// SortSilos sorts in place by SiloAddress.Compare.
func SortSilos(arr []SiloAddress) {
	sort.Slice(arr, func(i, j int) bool { return arr[i].Compare(arr[j]) < 0 })
}

// Chunk splits arr into consecutive pieces of at most size elements.
func Chunk(arr []GrainAddress, size int) [][]GrainAddress {
	if size <= 0 {
		size = len(arr)
	}
	var ret [][]GrainAddress
	for len(arr) > 0 {
		n := size
		if n > len(arr) {
			n = len(arr)
		}
		ret = append(ret, arr[:n:n])
		arr = arr[n:]
	}
	return ret
}
