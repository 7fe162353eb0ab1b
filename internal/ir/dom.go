package ir

// Dominator tree construction.
//
// The allocator walks blocks in dominator-tree pre-order so that every
// value's defining block is processed before any block that uses it.
// This is the iterative two-finger algorithm from "A Simple, Fast
// Dominance Algorithm" (Cooper, Harvey, Kennedy) over a reverse
// postorder of the CFG.

// BuildDomTree fills in Dominator and DomChildren for every reachable
// block. Blocks[0] is the entry and dominates everything.
func (s *Shader) BuildDomTree() {
	if len(s.Blocks) == 0 {
		return
	}
	entry := s.Blocks[0]

	rpo := s.reversePostorder()
	rpoNum := make(map[*Block]int, len(rpo))
	for i, b := range rpo {
		rpoNum[b] = i
	}

	idom := make(map[*Block]*Block, len(rpo))
	idom[entry] = entry

	intersect := func(a, b *Block) *Block {
		for a != b {
			for rpoNum[a] > rpoNum[b] {
				a = idom[a]
			}
			for rpoNum[b] > rpoNum[a] {
				b = idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for _, b := range rpo[1:] {
			var newIdom *Block
			for _, p := range b.Preds {
				if idom[p] == nil {
					continue
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = intersect(newIdom, p)
				}
			}
			if newIdom != nil && idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}

	for _, b := range s.Blocks {
		b.Dominator = nil
		b.DomChildren = nil
	}
	// Children in block order keeps the allocator's pre-order walk
	// deterministic.
	for _, b := range s.Blocks {
		d := idom[b]
		if d == nil || b == entry {
			continue
		}
		b.Dominator = d
		d.DomChildren = append(d.DomChildren, b)
	}
}

func (s *Shader) reversePostorder() []*Block {
	seen := make(map[*Block]bool, len(s.Blocks))
	var post []*Block
	var visit func(b *Block)
	visit = func(b *Block) {
		seen[b] = true
		for _, succ := range b.Succs {
			if !seen[succ] {
				visit(succ)
			}
		}
		post = append(post, b)
	}
	visit(s.Blocks[0])
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}
