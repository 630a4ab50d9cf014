package eventstore

// DefaultSnapshotInterval is the event count between snapshots under the
// default policy.
const DefaultSnapshotInterval = 10

// SnapshotPolicy decides whether a commit that moves an aggregate from
// previous to current should also write a snapshot. lastSnapshot is the
// version of the newest stored snapshot, 0 if there is none.
type SnapshotPolicy interface {
	ShouldSnapshot(previous, current, lastSnapshot int64) bool
}

type SnapshotPolicyFunc func(previous, current, lastSnapshot int64) bool

func (f SnapshotPolicyFunc) ShouldSnapshot(previous, current, lastSnapshot int64) bool {
	return f(previous, current, lastSnapshot)
}

// EveryN snapshots whenever a commit reaches or crosses a multiple of n.
func EveryN(n int64) SnapshotPolicy {
	return SnapshotPolicyFunc(func(previous, current, _ int64) bool {
		return n > 0 && current > previous && previous/n != current/n
	})
}

// AfterEvents snapshots once n events have accumulated since the last snapshot.
func AfterEvents(n int64) SnapshotPolicy {
	return SnapshotPolicyFunc(func(_, current, lastSnapshot int64) bool {
		return n > 0 && current-lastSnapshot >= n
	})
}

func NeverSnapshot() SnapshotPolicy {
	return SnapshotPolicyFunc(func(int64, int64, int64) bool { return false })
}
