package delta

type opKind uint8

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

// diffOp is one step of the line-level edit script.
type diffOp struct {
	kind     opKind
	oldIndex int
	newIndex int
}

// maxDiffLines caps the quadratic Myers search. Beyond it the whole span
// is treated as one replacement; byte-level tightening still trims the
// unchanged prefix and suffix.
const maxDiffLines = 20000

// myers computes a shortest edit script between two line slices.
func myers(a, b []string) []diffOp {
	n, m := len(a), len(b)
	switch {
	case n == 0 && m == 0:
		return nil
	case n == 0:
		ops := make([]diffOp, m)
		for j := range ops {
			ops[j] = diffOp{kind: opInsert, newIndex: j}
		}
		return ops
	case m == 0:
		ops := make([]diffOp, n)
		for i := range ops {
			ops[i] = diffOp{kind: opDelete, oldIndex: i}
		}
		return ops
	case n+m > maxDiffLines:
		return replaceAll(n, m)
	}

	maxD := n + m
	offset := maxD
	v := make([]int, 2*maxD+1)
	var trace [][]int

	v[offset+1] = 0
search:
	for d := 0; d <= maxD; d++ {
		saved := make([]int, len(v))
		copy(saved, v)
		trace = append(trace, saved)

		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[offset+k-1] < v[offset+k+1]) {
				x = v[offset+k+1]
			} else {
				x = v[offset+k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[offset+k] = x
			if x >= n && y >= m {
				break search
			}
		}
	}

	// Backtrack from (n, m) through the saved V vectors.
	var rev []diffOp
	x, y := n, m
	for d := len(trace) - 1; d >= 0 && (x > 0 || y > 0); d-- {
		v := trace[d]
		k := x - y

		var prevK int
		if k == -d || (k != d && v[offset+k-1] < v[offset+k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := v[offset+prevK]
		prevY := prevX - prevK

		for x > prevX && y > prevY {
			x--
			y--
			rev = append(rev, diffOp{kind: opEqual, oldIndex: x, newIndex: y})
		}
		if d > 0 {
			if x > prevX {
				x--
				rev = append(rev, diffOp{kind: opDelete, oldIndex: x})
			} else if y > prevY {
				y--
				rev = append(rev, diffOp{kind: opInsert, newIndex: y})
			}
		}
	}

	ops := make([]diffOp, len(rev))
	for i := range rev {
		ops[i] = rev[len(rev)-1-i]
	}
	return ops
}

func replaceAll(n, m int) []diffOp {
	ops := make([]diffOp, 0, n+m)
	for i := 0; i < n; i++ {
		ops = append(ops, diffOp{kind: opDelete, oldIndex: i})
	}
	for j := 0; j < m; j++ {
		ops = append(ops, diffOp{kind: opInsert, newIndex: j})
	}
	return ops
}
