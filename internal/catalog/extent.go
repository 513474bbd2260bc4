package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/propsavant/demalytics/internal/store"
)

var ErrBadExtent = errors.New("ring label has no numeric extent")

// ParseExtent reads the leading number of a ring label: "10", "10 min" and
// "10min" all give 10.
func ParseExtent(label string) (float64, error) {
	s := strings.TrimSpace(label)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.') {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadExtent, label)
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadExtent, label)
	}
	return v, nil
}

// SortRings orders rings by numeric extent. Label text never decides order:
// "5" sorts before "10".
func SortRings(rs []store.PerimeterRing) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Extent < rs[j].Extent })
}
