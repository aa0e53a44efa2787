package eventbus

// journal is a fixed-size circular record of recently published event ids
// with oldest-first eviction. It backs causation validation.
type journal struct {
	ids      []string
	index    map[string]struct{}
	head     int // Index of oldest element
	tail     int // Index where next element will be inserted
	size     int
	capacity int
}

func newJournal(capacity int) *journal {
	if capacity <= 0 {
		capacity = 1024
	}
	return &journal{
		ids:      make([]string, capacity),
		index:    make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// add records id, evicting the oldest entry when full. It reports whether an
// entry was evicted.
func (j *journal) add(id string) bool {
	evicted := false
	if j.size == j.capacity {
		delete(j.index, j.ids[j.head])
		j.head = (j.head + 1) % j.capacity
		j.size--
		evicted = true
	}

	j.ids[j.tail] = id
	j.index[id] = struct{}{}
	j.tail = (j.tail + 1) % j.capacity
	j.size++
	return evicted
}

func (j *journal) contains(id string) bool {
	_, ok := j.index[id]
	return ok
}

func (j *journal) len() int {
	return j.size
}
