package crdt

import "opdoc/common"

// Patch is a declarative, tree-structured diff: an ordered list of
// operations meant to be applied against a cached materialisation
// (e.g. after receiving a sync message) rather than replayed from
// scratch against the full op log. Structurally it carries the same
// Op values the materialiser already knows how to apply; what makes it
// a distinct code path is that ApplyPatch validates the whole op list
// structurally before applying any of it. The single-parent check is
// not specific to patches: ApplyOp enforces it for every op.
type Patch struct {
	Ops []Op
}

// ApplyPatch applies every operation in the patch to the document,
// stopping at the first error. Document.attach already enforces the
// single-parent invariant (common.ErrMultipleParents) and object
// existence (common.ErrNotFound); ApplyPatch additionally validates
// that the patch's own op list is self-consistent before touching the
// document, so a corrupt patch never partially applies.
func (d *Document) ApplyPatch(p Patch) error {
	if err := validatePatch(p); err != nil {
		return err
	}
	for _, op := range p.Ops {
		if err := d.ApplyOp(op); err != nil {
			return err
		}
	}
	return nil
}

// validatePatch rejects structurally malformed patches: unknown
// actions, set/ins operations missing their value, inc operations
// missing their target counter, and mark operations missing their
// attribute name.
func validatePatch(p Patch) error {
	for _, op := range p.Ops {
		switch op.Action {
		case common.ActionMakeMap, common.ActionMakeList, common.ActionMakeText:
			// Target resolution (map key vs list anchor) is validated
			// against the live parent type in Document.attach.
		case common.ActionSet, common.ActionIns:
			if op.Value == nil && op.ScalarType != common.ScalarNull {
				return common.ErrCorruptPatch{Message: "set/ins operation missing value"}
			}
		case common.ActionDel:
			// del on a map needs Key; on list/text needs Elem. Either
			// may legitimately be zero-valued for the other container
			// type, so no single check covers both without the target
			// object's type, which validatePatch deliberately doesn't
			// resolve (that's Document.attach's job).
		case common.ActionInc:
			if op.Elem.IsRoot() {
				return common.ErrCorruptPatch{Message: "inc operation missing target counter"}
			}
		case common.ActionMark:
			if op.MarkAttr == "" {
				return common.ErrCorruptPatch{Message: "mark operation missing attribute name"}
			}
		default:
			return common.ErrCorruptPatch{Message: "unknown action " + string(op.Action)}
		}
	}
	return nil
}
