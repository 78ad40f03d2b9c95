package hook

import (
	"strings"

	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

// NewSliceScript builds a slicedio.Hook that runs command through a shell,
// filling in the %p/%f/%n/%e/%c/%b placeholders the way isptar_slice.cpp's
// Execute does: %p dirname, %f basename (with any ".partN" suffix), %b
// basename without it, %n the slice number, %e the separator itself
// (empty when the name has no slice suffix), %c the hook context.
func NewSliceScript(command string) slicedio.Hook {
	return func(filename, context string) error {
		dir, name := splitPath(filename)
		base, sep, num := splitSlice(name)

		s := NewScript(command)
		s.AddParam('p', dir)
		s.AddParam('f', name)
		s.AddParam('n', num)
		s.AddParam('e', sep)
		s.AddParam('c', context)
		s.AddParam('b', base)
		return s.Do()
	}
}

func splitPath(filename string) (dir, name string) {
	if i := strings.LastIndexByte(filename, '/'); i >= 0 {
		return filename[:i], filename[i+1:]
	}
	return ".", filename
}

func splitSlice(name string) (base, sep, num string) {
	i := strings.LastIndex(name, common.SliceSeparator)
	if i < 0 {
		return name, "", ""
	}
	return name[:i], common.SliceSeparator, name[i+len(common.SliceSeparator):]
}
