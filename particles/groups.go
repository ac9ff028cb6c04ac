package particles

import "fmt"

// MaxGroups is the number of group bits available in a particle mask
const MaxGroups = 32

// Groups maps group names to mask bits. Group "all" always holds bit 0.
type Groups struct {
	names []string
}

// NewGroups returns a registry containing only "all"
func NewGroups() *Groups {
	return &Groups{names: []string{"all"}}
}

// Add registers name, returning its bit. Registering an existing name
// returns the existing bit.
func (g *Groups) Add(name string) (uint32, error) {
	if bit, ok := g.Find(name); ok {
		return bit, nil
	}
	if len(g.names) == MaxGroups {
		return 0, fmt.Errorf("too many groups: cannot add %q", name)
	}
	g.names = append(g.names, name)
	return 1 << uint(len(g.names)-1), nil
}

// Find returns the bit of a registered group
func (g *Groups) Find(name string) (uint32, bool) {
	for i, n := range g.names {
		if n == name {
			return 1 << uint(i), true
		}
	}
	return 0, false
}

// AllBit is the mask bit every particle carries
const AllBit uint32 = 1
