package index

import (
	bolt "go.etcd.io/bbolt"

	"github.com/keydex/keydex/internal/keypath"
)

// prune deletes every candidate prefix with no remaining dependent, then
// walks parent-ward: a deleted leaf may leave its own parent childless.
// Runs to a fixed point; each pass only considers parents of rows it just
// deleted, so work is bounded by the triggering batch times the maximum
// depth, never the index size. A candidate is only deleted after this
// transaction has proven no dependent remains, and the whole transaction
// rolls back as one unit, so the hierarchy can never commit half-pruned.
func (ix *Index) prune(tx *bolt.Tx, st *txState, cands []candidate) error {
	if len(cands) == 0 {
		return nil
	}
	// One prune fixed point per mutation; deletes issued inside it must
	// not spawn another.
	if !st.enterPrune() {
		return nil
	}
	defer st.leavePrune()

	frontier := cands
	for len(frontier) > 0 {
		var deleted []candidate
		for _, c := range frontier {
			ok, err := hasDependent(tx, c)
			if err != nil {
				return err
			}
			if !ok {
				deleted = append(deleted, c)
			}
		}

		pb := tx.Bucket(prefixesBucket)
		for _, c := range deleted {
			if err := pb.Delete(prefixKey(c.bucket, keypath.Level(c.path), c.path)); err != nil {
				return err
			}
			st.pruned++
		}

		next := make(map[candidate]struct{})
		for _, c := range deleted {
			if p := keypath.Parent(c.path); p != "" {
				next[candidate{bucket: c.bucket, path: p}] = struct{}{}
			}
		}
		frontier = make([]candidate, 0, len(next))
		for c := range next {
			frontier = append(frontier, c)
		}
		sortCandidates(frontier)
	}
	return nil
}

// hasDependent reports whether any object or prefix row exists exactly one
// level below c with c's path as a literal delimiter-bounded prefix.
func hasDependent(tx *bolt.Tx, c candidate) (bool, error) {
	childLevel := keypath.Level(c.path) + 1
	deeper := c.path + keypath.Delimiter

	lp := levelPrefix(c.bucket, childLevel, deeper)
	if k, _ := tx.Bucket(levelsBucket).Cursor().Seek(lp); k != nil && hasPrefix(k, lp) {
		return true, nil
	}
	pp := prefixKey(c.bucket, childLevel, deeper)
	if k, _ := tx.Bucket(prefixesBucket).Cursor().Seek(pp); k != nil && hasPrefix(k, pp) {
		return true, nil
	}
	return false, nil
}
