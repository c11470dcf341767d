package conflict

import "sort"

// LineMergeResult is the outcome of a three-way line-wise merge: either a
// clean merge of the three inputs, or a signal that hunks overlapped and
// the caller must fall back to a structured conflict. Rendering conflict
// markers for a human is out of scope here (spec.md's diff/log-rendering
// exclusion); the tree-conflict resolver only needs to know whether the
// merge succeeded.
type LineMergeResult struct {
	Resolved bool
	Content  []byte
}

// region is a contiguous (possibly zero-width) range of base lines that one
// side changed relative to base, together with that side's replacement
// lines for the range.
type region struct {
	baseStart, baseEnd int
	content            []string
}

// taggedRegion attaches the originating side (1 or 2) to a change region,
// so overlapping regions from both sides can be sorted and clustered
// together.
type taggedRegion struct {
	side int
	r    region
}

// MergeLines performs a diff3-style three-way merge of base/side1/side2,
// line by line. It is the reference implementation of the "external line
// merger" collaborator described in spec.md §4.4.1; any standard
// three-way line merge could be substituted behind the same signature.
func MergeLines(base, side1, side2 []byte) LineMergeResult {
	baseLines := splitLines(base)
	side1Lines := splitLines(side1)
	side2Lines := splitLines(side2)

	regions1 := changeRegions(baseLines, side1Lines)
	regions2 := changeRegions(baseLines, side2Lines)

	if len(regions1) == 0 && len(regions2) == 0 {
		return LineMergeResult{Resolved: true, Content: joinLines(baseLines)}
	}

	var all []taggedRegion
	for _, r := range regions1 {
		all = append(all, taggedRegion{side: 1, r: r})
	}
	for _, r := range regions2 {
		all = append(all, taggedRegion{side: 2, r: r})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].r.baseStart != all[j].r.baseStart {
			return all[i].r.baseStart < all[j].r.baseStart
		}
		return all[i].r.baseEnd < all[j].r.baseEnd
	})

	var out []string
	pos := 0
	i := 0
	for i < len(all) {
		clusterStart := all[i].r.baseStart
		clusterEnd := all[i].r.baseEnd
		sides := map[int]bool{all[i].side: true}
		j := i + 1
		for j < len(all) && all[j].r.baseStart < clusterEnd {
			if all[j].r.baseEnd > clusterEnd {
				clusterEnd = all[j].r.baseEnd
			}
			sides[all[j].side] = true
			j++
		}

		// Copy unchanged base lines before this cluster.
		if clusterStart > pos {
			out = append(out, baseLines[pos:clusterStart]...)
		}

		switch {
		case sides[1] && !sides[2]:
			out = append(out, reconstruct(regions1, baseLines, clusterStart, clusterEnd)...)
		case sides[2] && !sides[1]:
			out = append(out, reconstruct(regions2, baseLines, clusterStart, clusterEnd)...)
		default:
			content1 := reconstruct(regions1, baseLines, clusterStart, clusterEnd)
			content2 := reconstruct(regions2, baseLines, clusterStart, clusterEnd)
			baseContent := baseLines[clusterStart:clusterEnd]
			switch {
			case stringsEqual(content1, content2):
				out = append(out, content1...)
			case stringsEqual(content1, baseContent):
				out = append(out, content2...)
			case stringsEqual(content2, baseContent):
				out = append(out, content1...)
			default:
				return LineMergeResult{Resolved: false}
			}
		}

		pos = clusterEnd
		i = j
	}
	if pos < len(baseLines) {
		out = append(out, baseLines[pos:]...)
	}
	return LineMergeResult{Resolved: true, Content: joinLines(out)}
}

// MergeLinesN generalizes MergeLines to an odd-length alternating
// add/remove/…/add sequence of contents (the shape merge.Merge[T].Values()
// produces): it folds the sequence pairwise, using each remove as the base
// between the content merged so far and the next add.
func MergeLinesN(contents [][]byte) LineMergeResult {
	if len(contents) == 0 {
		return LineMergeResult{Resolved: true}
	}
	acc := contents[0]
	for i := 1; i+1 < len(contents); i += 2 {
		res := MergeLines(contents[i], acc, contents[i+1])
		if !res.Resolved {
			return LineMergeResult{Resolved: false}
		}
		acc = res.Content
	}
	return LineMergeResult{Resolved: true, Content: acc}
}

// reconstruct replays regions (a side's own change regions against base) to
// produce that side's content for the base range [bStart, bEnd): positions
// not covered by one of the side's own regions are unchanged, so the base
// line is copied through.
func reconstruct(regions []region, base []string, bStart, bEnd int) []string {
	var out []string
	p := bStart
	ri := 0
	for ri < len(regions) && regions[ri].baseStart < bStart {
		ri++
	}
	for p <= bEnd {
		// Emit any zero-width insertion exactly at p.
		for ri < len(regions) && regions[ri].baseStart == p && regions[ri].baseEnd == p {
			out = append(out, regions[ri].content...)
			ri++
		}
		if p == bEnd {
			break
		}
		if ri < len(regions) && regions[ri].baseStart == p && regions[ri].baseEnd > p {
			out = append(out, regions[ri].content...)
			p = regions[ri].baseEnd
			ri++
			continue
		}
		out = append(out, base[p])
		p++
	}
	return out
}

// changeRegions computes the base-relative change regions of side against
// base, using an LCS alignment: lines matched by the LCS are "equal" and
// glue consecutive regions together; everything else becomes a region.
func changeRegions(base, side []string) []region {
	matches := lcsMatches(base, side)
	var regions []region
	prevB, prevS := 0, 0
	for _, m := range matches {
		bi, si := m[0], m[1]
		if bi > prevB || si > prevS {
			regions = append(regions, region{
				baseStart: prevB,
				baseEnd:   bi,
				content:   append([]string(nil), side[prevS:si]...),
			})
		}
		prevB, prevS = bi+1, si+1
	}
	if prevB < len(base) || prevS < len(side) {
		regions = append(regions, region{
			baseStart: prevB,
			baseEnd:   len(base),
			content:   append([]string(nil), side[prevS:]...),
		})
	}
	return regions
}

// lcsMatches returns the longest-common-subsequence alignment of a and b as
// a sequence of (aIndex, bIndex) pairs, strictly increasing in both
// coordinates.
func lcsMatches(a, b []string) [][2]int {
	n, m := len(a), len(b)
	dp := make([][]int32, n+1)
	for i := range dp {
		dp[i] = make([]int32, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}
	var matches [][2]int
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			matches = append(matches, [2]int{i, j})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return matches
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i := 0; i < len(b); i++ {
		if b[i] == '\n' {
			lines = append(lines, string(b[start:i+1]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}

func joinLines(lines []string) []byte {
	var out []byte
	for _, l := range lines {
		out = append(out, l...)
	}
	return out
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

