package geo

import "github.com/paulmach/orb"

const eps = 1e-9

func orientation(a, b, c orb.Point) int {
	v := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	switch {
	case v > eps:
		return 1
	case v < -eps:
		return -1
	}
	return 0
}

// onSegment reports whether c lies within the bounding box of a-b. Only
// meaningful when a, b and c are collinear.
func onSegment(a, b, c orb.Point) bool {
	return c[0] <= max(a[0], b[0])+eps && c[0] >= min(a[0], b[0])-eps &&
		c[1] <= max(a[1], b[1])+eps && c[1] >= min(a[1], b[1])-eps
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	o1 := orientation(p1, p2, q1)
	o2 := orientation(p1, p2, q2)
	o3 := orientation(q1, q2, p1)
	o4 := orientation(q1, q2, p2)

	if o1 != o2 && o3 != o4 {
		return true
	}
	switch {
	case o1 == 0 && onSegment(p1, p2, q1):
		return true
	case o2 == 0 && onSegment(p1, p2, q2):
		return true
	case o3 == 0 && onSegment(q1, q2, p1):
		return true
	case o4 == 0 && onSegment(q1, q2, p2):
		return true
	}
	return false
}

func onRing(r orb.Ring, p orb.Point) bool {
	for i := 0; i+1 < len(r); i++ {
		if orientation(r[i], r[i+1], p) == 0 && onSegment(r[i], r[i+1], p) {
			return true
		}
	}
	return false
}

func ringsCross(a, b orb.Ring) bool {
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsIntersect(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}
