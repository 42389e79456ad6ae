// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package loopnest

// maxTilingsPerLevel bounds the number of tilings of the inner loops
// before the outer loops are searched at a coarser granularity.
const maxTilingsPerLevel = 100

// GenerateTilings enumerates tilings of the loop extents s[0..d]. Each
// tiling gives the outer extent of every loop; the inner extent is
// ceil(s[i]/t[i]). Inner sizes grow geometrically by factor, and tilings
// that would recompute more than an eighth of a loop are dropped.
//
// When allowSplits is false each loop is either left whole or fully moved
// outwards. The trivial tilings (all ones and the identity) are never
// returned.
func GenerateTilings(s []int64, d int, factor int64, allowSplits bool) [][]int64 {
	if d == -1 {
		return [][]int64{{}}
	}

	var result [][]int64
	v := GenerateTilings(s, d-1, factor, allowSplits)
	for int64(len(v)) > factor*maxTilingsPerLevel {
		factor *= 2
	}

	for _, t := range v {
		isOne, isFull := false, false
		if d == len(s)-1 {
			isOne, isFull = true, true
			for i := 0; i < d; i++ {
				isOne = isOne && t[i] == 1
				isFull = isFull && t[i] == s[i]
			}
		}
		with := func(outer int64) []int64 {
			next := make([]int64, len(t), len(t)+1)
			copy(next, t)
			return append(next, outer)
		}

		if !allowSplits {
			if !isOne && !(isFull && s[d] == 1) {
				result = append(result, with(1))
			}
			if s[d] != 1 && !isFull {
				result = append(result, with(s[d]))
			}
			continue
		}

		var maxInner int64
		for inner := int64(1); inner < s[d]; inner *= factor {
			outer := ceilDiv(s[d], inner)
			if isOne && outer == 1 {
				continue
			}
			if isFull && outer == s[d] {
				continue
			}
			// Stop when we hit inner sizes that would do too much recompute.
			if inner > 1 && inner*outer*7 > s[d]*8 {
				break
			}
			maxInner = inner
			result = append(result, with(outer))
		}

		for outer := int64(1); outer <= s[d]; outer *= factor {
			inner := ceilDiv(s[d], outer)
			if isOne && outer == 1 {
				continue
			}
			if isFull && outer == s[d] {
				continue
			}
			// Stop when we get into the regime covered by the loop above.
			if outer > 1 && inner < maxInner*2 {
				break
			}
			if inner*outer*7 > s[d]*8 {
				break
			}
			result = append(result, with(outer))
		}

		// 3 is an important inner size for gemm-like loops, which the
		// powers of two above skip.
		const inner3 = 3
		outer3 := ceilDiv(s[d], inner3)
		if factor == 2 && inner3 < s[d] && outer3 < s[d] && outer3 > 1 {
			if inner3*outer3*7 <= s[d]*8 {
				result = append(result, with(outer3))
			}
		}
	}
	return result
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
