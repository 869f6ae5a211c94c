package result

import (
	"sort"
	"strconv"
	"strings"
)

const (
	tagPackage = "__package="
	tagArch    = "__arch="
	tagHost    = "__host="
)

// TagSet is the unit of build-configuration identity: the set of
// caller-supplied tags plus synthesized __package=, __arch= and __host=
// entries. Two submissions describe the same configuration iff their tag sets
// are equal.
type TagSet map[string]struct{}

// TagSetOptions suppresses the synthesized arch and host entries,
// widening the identity to "any arch" or "any host".
type TagSetOptions struct {
	NoArch bool
	NoHost bool
}

// NewTagSet derives the tag set for a client info. A nil opts keeps both
// synthesized entries.
func NewTagSet(info *ClientInfo, opts *TagSetOptions) TagSet {
	if opts == nil {
		opts = &TagSetOptions{}
	}

	ts := make(TagSet, len(info.Tags)+3)
	for _, t := range info.Tags {
		ts[t] = struct{}{}
	}
	ts[tagPackage+info.Package] = struct{}{}
	if !opts.NoArch {
		ts[tagArch+info.Arch] = struct{}{}
	}
	if !opts.NoHost {
		ts[tagHost+info.Host] = struct{}{}
	}
	return ts
}

// TagSetFromStrings builds a tag set from its string elements,
// e.g. as received from a query parameter.
func TagSetFromStrings(tags []string) TagSet {
	ts := make(TagSet, len(tags))
	for _, t := range tags {
		ts[t] = struct{}{}
	}
	return ts
}

// Strings returns the sorted elements of the tag set.
func (ts TagSet) Strings() []string {
	s := make([]string, 0, len(ts))
	for t := range ts {
		s = append(s, t)
	}
	sort.Strings(s)
	return s
}

// Key returns a canonical string form usable as a map key.
// Equal tag sets have equal keys and distinct tag sets have distinct keys:
// each element is quoted before joining, so a tag containing the separator
// cannot collide with two separate tags.
func (ts TagSet) Key() string {
	elems := ts.Strings()
	quoted := make([]string, len(elems))
	for i, e := range elems {
		quoted[i] = strconv.Quote(e)
	}
	return strings.Join(quoted, ",")
}

// Equal reports whether two tag sets contain the same elements.
func (ts TagSet) Equal(other TagSet) bool {
	if len(ts) != len(other) {
		return false
	}
	for t := range ts {
		if _, ok := other[t]; !ok {
			return false
		}
	}
	return true
}

func (ts TagSet) String() string {
	return "{" + strings.Join(ts.Strings(), ", ") + "}"
}
