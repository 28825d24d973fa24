// Package keyspace maps nested collections onto a single flat key space.
//
// Layout of a physical key:
//
//	root:   <base> "i" <key>
//	child:  <parent path> "c" <len(name)> ":" <name> "i" <key>
//
// The length prefix makes every (collection path, key) pair map to a distinct
// string, whatever bytes names and keys contain.
//
// Backends that cannot delete by prefix use generations instead: Prefix embeds a
// counter per level, kept by a genstore, and bumping one level moves every key
// below it, children included, to fresh never-written names. Stale entries are
// left for the backend's own eviction.
package keyspace

import (
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

type Space struct {
	parent   *Space
	segment  string
	depth    int
	children *xsync.MapOf[string, *Space]
}

// Root returns a root namespace. base is prepended verbatim to every key and may be empty.
func Root(base string) *Space {
	return &Space{segment: base, children: xsync.NewMapOf[string, *Space]()}
}

// Child returns the namespace for collection name. Repeated calls return the same Space.
func (s *Space) Child(name string) *Space {
	c, _ := s.children.LoadOrCompute(name, func() *Space {
		return &Space{
			parent:   s,
			segment:  "c" + strconv.Itoa(len(name)) + ":" + name,
			depth:    s.depth + 1,
			children: xsync.NewMapOf[string, *Space](),
		}
	})
	return c
}

// Path is the generation-free prefix shared by every key in this namespace and
// its descendants. Backends that can scan or delete by prefix use it.
func (s *Space) Path() string {
	var b strings.Builder
	s.writePath(&b, nil)
	return b.String()
}

// Key returns the generation-free physical key.
func (s *Space) Key(key string) string {
	return s.Path() + "i" + key
}

// Levels returns the Path of every namespace from the root down to s.
func (s *Space) Levels() []string {
	out := make([]string, s.depth+1)
	for c := s; c != nil; c = c.parent {
		out[c.depth] = c.Path()
	}
	return out
}

// Prefix is Path with each level's generation embedded after its segment.
// gens is indexed like Levels.
func (s *Space) Prefix(gens []uint64) string {
	var b strings.Builder
	s.writePath(&b, gens)
	return b.String()
}

// GenKey returns the physical key under gens; see Prefix.
func (s *Space) GenKey(gens []uint64, key string) string {
	return s.Prefix(gens) + "i" + key
}

func (s *Space) writePath(b *strings.Builder, gens []uint64) {
	if s.parent != nil {
		s.parent.writePath(b, gens)
	}
	b.WriteString(s.segment)
	if gens != nil {
		b.WriteByte('g')
		b.WriteString(strconv.FormatUint(gens[s.depth], 10))
		b.WriteByte('/')
	}
}
