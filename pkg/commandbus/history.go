package commandbus

// DefaultHistorySize bounds history when Config.HistorySize is not set.
const DefaultHistorySize = 100

// history is a bounded deque of executed commands. entries[:cursor] can be
// undone, entries[cursor:] can be redone.
type history struct {
	entries  []ExecutedCommand
	cursor   int
	capacity int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &history{capacity: capacity}
}

// push records a new execution, discarding the redo segment and evicting the
// oldest entry on overflow.
func (h *history) push(entry ExecutedCommand) {
	clear(h.entries[h.cursor:])
	h.entries = append(h.entries[:h.cursor], entry)
	if len(h.entries) > h.capacity {
		over := len(h.entries) - h.capacity
		clear(h.entries[:over])
		h.entries = h.entries[over:]
	}
	h.cursor = len(h.entries)
}

func (h *history) peekUndo() (ExecutedCommand, bool) {
	if h.cursor == 0 {
		return ExecutedCommand{}, false
	}
	return h.entries[h.cursor-1], true
}

func (h *history) undo() {
	h.cursor--
}

func (h *history) peekRedo() (ExecutedCommand, bool) {
	if h.cursor == len(h.entries) {
		return ExecutedCommand{}, false
	}
	return h.entries[h.cursor], true
}

// redo moves the next redo entry back to the undo side, replacing it with
// the refreshed entry.
func (h *history) redo(entry ExecutedCommand) {
	h.entries[h.cursor] = entry
	h.cursor++
}

func (h *history) done() []ExecutedCommand {
	return append([]ExecutedCommand(nil), h.entries[:h.cursor]...)
}

func (h *history) pending() int {
	return len(h.entries) - h.cursor
}

func (h *history) reset() {
	clear(h.entries)
	h.entries = h.entries[:0]
	h.cursor = 0
}
