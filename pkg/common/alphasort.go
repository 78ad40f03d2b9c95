package common

// AlphaSort compares two archive paths the way the directory walker and
// the catalog's base-scan must agree on: ordinary byte comparison,
// except '/' sorts before every other non-NUL byte. This keeps a
// directory's entries ordered immediately before its children while
// still sorting entries within a directory lexically (§3 Catalog
// ordering, §4.G).
func AlphaSort(a, b string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		ca, cb := a[i], b[i]
		if ca == cb {
			continue
		}
		if ca == '/' {
			return -1
		}
		if cb == '/' {
			return 1
		}
		if ca < cb {
			return -1
		}
		return 1
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
