package channel

import "slices"

// listeners is an ordered subscription list. Emission works on a copy,
// so handlers may subscribe or unsubscribe while it runs.
type listeners[T any] struct {
	next    int
	entries []entry[T]
}

type entry[T any] struct {
	id int
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) (remove func()) {
	id := l.next
	l.next++
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	return func() {
		l.entries = slices.DeleteFunc(l.entries, func(e entry[T]) bool { return e.id == id })
	}
}

func (l *listeners[T]) emit(v T) {
	for _, e := range slices.Clone(l.entries) {
		e.fn(v)
	}
}
