package stream

import (
	"strings"

	"github.com/vibekanban/vkrelay/internal/protocol"
)

// DedupeOperations collapses operations within one batch whose effect a later
// replace of the same path overwrites. A replace followed by a replace keeps
// only the last one, in its position. An add followed by a replace folds into
// the add, which keeps its position and takes the replacement value.
//
// Only replaces collapse. Operations that change document structure (add,
// remove, move, copy) or read it (test) end every pending collapse, and a
// replace of an ancestor or descendant ends the collapse of that path, so the
// result applies to the same document as the full batch. Appends to "/-" are
// never collapsed.
func DedupeOperations(ops []protocol.Operation) []protocol.Operation {
	if len(ops) < 2 {
		return ops
	}

	out := make([]protocol.Operation, 0, len(ops))
	dropped := make([]bool, 0, len(ops))
	pending := make(map[string]int)
	collapsed := 0

	for _, op := range ops {
		if op.Op != "replace" {
			clear(pending)
			if op.Op == "add" && !strings.HasSuffix(op.Path, "/-") {
				pending[op.Path] = len(out)
			}
			out = append(out, op)
			dropped = append(dropped, false)
			continue
		}

		if idx, ok := pending[op.Path]; ok {
			collapsed++
			if out[idx].Op == "add" {
				out[idx].Value = op.Value
				continue
			}
			dropped[idx] = true
		}
		for path := range pending {
			if path != op.Path && overlaps(path, op.Path) {
				delete(pending, path)
			}
		}
		pending[op.Path] = len(out)
		out = append(out, op)
		dropped = append(dropped, false)
	}

	if collapsed == 0 {
		return ops
	}
	kept := out[:0]
	for i, op := range out {
		if !dropped[i] {
			kept = append(kept, op)
		}
	}
	return kept
}

// overlaps reports whether one pointer is the other or one of its ancestors.
func overlaps(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
