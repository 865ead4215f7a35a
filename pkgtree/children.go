package pkgtree

import "github.com/armon/go-radix"

// childSet is a typed wrapper around a radix tree, keyed by a single path
// segment, that holds the children of one TreeNode. It generalizes the
// typed-wrapper idiom used elsewhere in this corpus for avoiding type
// assertions outside the package that owns the underlying container.
//
// go-radix keeps keys in sorted order, which is what lets Ordered return
// children sorted by segment, as the data model requires.
type childSet struct {
	t *radix.Tree
}

func newChildSet() *childSet {
	return &childSet{t: radix.New()}
}

// Get returns the child stored under segment, if any.
func (c *childSet) Get(segment string) (*TreeNode, bool) {
	v, ok := c.t.Get(segment)
	if !ok {
		return nil, false
	}
	return v.(*TreeNode), true
}

// Insert stores node under segment, overwriting any previous entry.
func (c *childSet) Insert(segment string, node *TreeNode) {
	c.t.Insert(segment, node)
}

// Len returns the number of children.
func (c *childSet) Len() int {
	return c.t.Len()
}

// Ordered returns the children sorted by their segment key.
func (c *childSet) Ordered() []*TreeNode {
	out := make([]*TreeNode, 0, c.t.Len())
	c.t.Walk(func(_ string, v interface{}) bool {
		out = append(out, v.(*TreeNode))
		return false
	})
	return out
}
