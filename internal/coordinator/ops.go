package coordinator

// Kind is the kind of a lifecycle operation.
type Kind string

const (
	KindStart   Kind = "start"
	KindStop    Kind = "stop"
	KindSwitch  Kind = "switch"
	KindRestart Kind = "restart"
	KindCleanup Kind = "cleanup"
)

// DefaultCompletedRing is how many completed operation ids stay valid.
const DefaultCompletedRing = 5

// OperationTracker issues monotonic operation ids and decides which results
// may still be applied. It is owned by the coordinator loop and is not safe
// for concurrent use.
type OperationTracker struct {
	next      uint64
	active    uint64
	activeOp  Kind
	completed []uint64
	size      int
}

func NewOperationTracker(size int) *OperationTracker {
	if size <= 0 {
		size = DefaultCompletedRing
	}
	return &OperationTracker{size: size, completed: make([]uint64, 0, size)}
}

// Begin allocates the next id and makes it the active operation. Any other
// outstanding operation is superseded from this point on.
func (t *OperationTracker) Begin(kind Kind) uint64 {
	t.next++
	t.active = t.next
	t.activeOp = kind
	return t.active
}

// Active returns the active id and its kind; id 0 means none was issued yet.
func (t *OperationTracker) Active() (uint64, Kind) {
	return t.active, t.activeOp
}

// IsValid reports whether id is the active operation or one that already
// completed recently.
func (t *OperationTracker) IsValid(id uint64) bool {
	if id == 0 {
		return false
	}
	if id == t.active {
		return true
	}
	for _, c := range t.completed {
		if c == id {
			return true
		}
	}
	return false
}

// End records id as completed, keeping only the most recent ids.
func (t *OperationTracker) End(id uint64) {
	for _, c := range t.completed {
		if c == id {
			return
		}
	}
	if len(t.completed) == t.size {
		copy(t.completed, t.completed[1:])
		t.completed = t.completed[:t.size-1]
	}
	t.completed = append(t.completed, id)
}

// Completed returns the retained completed ids, oldest first.
func (t *OperationTracker) Completed() []uint64 {
	return append([]uint64(nil), t.completed...)
}
