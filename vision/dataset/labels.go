package dataset

import "strconv"

// RawLabel is the interaction class encoded in a label directory name.
type RawLabel int

// MetaLabel is the reduced class used as the training target.
type MetaLabel int

// NumMetaClasses is the number of distinct meta labels.
const NumMetaClasses = 4

var metaLabels = map[RawLabel]MetaLabel{
	0: 0,
	1: 0,
	2: 1,
	3: 1,
	4: 2,
	5: 3,
}

// MapLabel reduces a raw label to its meta label. The second result is
// false for raw labels outside 0..5, which callers skip.
func MapLabel(raw RawLabel) (MetaLabel, bool) {
	m, ok := metaLabels[raw]
	return m, ok
}

// ParseRawLabel parses a directory name as a raw label.
func ParseRawLabel(name string) (RawLabel, bool) {
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	return RawLabel(n), true
}

// String names the raw labels folded into the meta label.
func (m MetaLabel) String() string {
	switch m {
	case 0:
		return "0-1"
	case 1:
		return "2-3"
	case 2:
		return "4"
	case 3:
		return "5"
	default:
		return "unknown(" + strconv.Itoa(int(m)) + ")"
	}
}
