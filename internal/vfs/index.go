package vfs

import (
	"slices"
	"strings"
)

// pathIndex maps canonical paths to inode indexes. Paths are also kept
// sorted so that a directory's subtree is one contiguous range.
type pathIndex struct {
	byPath map[string]uint32
	byIno  map[uint32]string
	sorted []string
}

func newPathIndex() *pathIndex {
	return &pathIndex{
		byPath: make(map[string]uint32),
		byIno:  make(map[uint32]string),
	}
}

func (x *pathIndex) get(p string) (uint32, bool) {
	ino, ok := x.byPath[p]
	return ino, ok
}

func (x *pathIndex) path(ino uint32) (string, bool) {
	p, ok := x.byIno[ino]
	return p, ok
}

func (x *pathIndex) len() int {
	return len(x.byPath)
}

func (x *pathIndex) put(p string, ino uint32) {
	if old, ok := x.byIno[ino]; ok && old != p {
		x.remove(old)
	}
	if _, ok := x.byPath[p]; !ok {
		i, _ := slices.BinarySearch(x.sorted, p)
		x.sorted = slices.Insert(x.sorted, i, p)
	}
	x.byPath[p] = ino
	x.byIno[ino] = p
}

func (x *pathIndex) remove(p string) {
	ino, ok := x.byPath[p]
	if !ok {
		return
	}
	delete(x.byPath, p)
	if x.byIno[ino] == p {
		delete(x.byIno, ino)
	}
	if i, found := slices.BinarySearch(x.sorted, p); found {
		x.sorted = slices.Delete(x.sorted, i, i+1)
	}
}

// bulkLoad replaces the index from unsorted pairs, sorting once.
func (x *pathIndex) bulkLoad(paths []string, inos []uint32) {
	x.byPath = make(map[string]uint32, len(paths))
	x.byIno = make(map[uint32]string, len(paths))
	for i, p := range paths {
		x.byPath[p] = inos[i]
		x.byIno[inos[i]] = p
	}
	x.sorted = make([]string, 0, len(x.byPath))
	for p := range x.byPath {
		x.sorted = append(x.sorted, p)
	}
	slices.Sort(x.sorted)
}

func dirPrefix(dir string) string {
	if dir == "/" {
		return "/"
	}
	return dir + "/"
}

// descendants returns every path strictly below dir, in sorted order.
func (x *pathIndex) descendants(dir string) []string {
	prefix := dirPrefix(dir)
	i, _ := slices.BinarySearch(x.sorted, prefix)
	var out []string
	for ; i < len(x.sorted) && strings.HasPrefix(x.sorted[i], prefix); i++ {
		if x.sorted[i] != dir {
			out = append(out, x.sorted[i])
		}
	}
	return out
}

// children returns the names of the direct children of dir, sorted.
func (x *pathIndex) children(dir string) []string {
	prefix := dirPrefix(dir)
	i, _ := slices.BinarySearch(x.sorted, prefix)
	var out []string
	for ; i < len(x.sorted) && strings.HasPrefix(x.sorted[i], prefix); i++ {
		rest := x.sorted[i][len(prefix):]
		if rest != "" && !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	return out
}

func (x *pathIndex) hasChildren(dir string) bool {
	prefix := dirPrefix(dir)
	i, _ := slices.BinarySearch(x.sorted, prefix)
	for ; i < len(x.sorted) && strings.HasPrefix(x.sorted[i], prefix); i++ {
		if x.sorted[i] != dir {
			return true
		}
	}
	return false
}
