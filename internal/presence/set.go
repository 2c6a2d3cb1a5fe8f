package presence

// Set is a set of connection ids.
type Set map[string]struct{}

func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Add(id string) { s[id] = struct{}{} }

func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Len() int { return len(s) }

// Union adds every element of other to s.
func (s Set) Union(other Set) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Difference returns a new set holding the elements of s that are not in
// exclude. Neither input is modified.
func (s Set) Difference(exclude Set) Set {
	out := make(Set, len(s))
	for id := range s {
		if _, skip := exclude[id]; !skip {
			out[id] = struct{}{}
		}
	}
	return out
}

// Slice returns the elements in no particular order.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
