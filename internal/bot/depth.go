package bot

import "context"

// ParentResolver walks up a reply chain.
type ParentResolver[T any] interface {
	IsRoot(item T) bool
	Parent(ctx context.Context, item T) (T, error)
}

// CheckDepth reports whether item sits at most maxDepth replies below the
// root of its thread. It stops resolving parents as soon as the limit is
// passed.
func CheckDepth[T any](ctx context.Context, r ParentResolver[T], item T, maxDepth int) (bool, error) {
	depth := 0
	for !r.IsRoot(item) {
		parent, err := r.Parent(ctx, item)
		if err != nil {
			return false, err
		}
		item = parent
		depth++
		if depth > maxDepth {
			return false, nil
		}
	}
	return true, nil
}
