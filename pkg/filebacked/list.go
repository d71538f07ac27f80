package filebacked

import (
	"fmt"
	"strconv"
)

// List is an append-only sequence stored in a Dict under zero-padded
// index keys, so key order is index order.
type List[V any] struct {
	dict   *Dict[V]
	length int
}

// NewList opens a list. When the backing table already holds rows (a
// reused table on an explicit file) the list continues after them.
func NewList[V any](opts DictOptions[V]) (*List[V], error) {
	d, err := NewDict(opts)
	if err != nil {
		return nil, err
	}
	n, err := d.Len()
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return &List[V]{dict: d, length: n}, nil
}

func listKey(i int) string {
	return fmt.Sprintf("%020d", i)
}

// Append adds a value at the end of the list.
func (l *List[V]) Append(v V) error {
	if err := l.dict.Set(listKey(l.length), v); err != nil {
		return err
	}
	l.length++
	return nil
}

// Get returns the value at index i.
func (l *List[V]) Get(i int) (V, error) {
	var zero V
	if i < 0 || i >= l.length {
		return zero, fmt.Errorf("index %d out of range [0, %d)", i, l.length)
	}
	v, ok, err := l.dict.Get(listKey(i))
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("%w: index %d", ErrNotFound, i)
	}
	return v, nil
}

// Set replaces the value at index i.
func (l *List[V]) Set(i int, v V) error {
	if i < 0 || i >= l.length {
		return fmt.Errorf("index %d out of range [0, %d)", i, l.length)
	}
	return l.dict.Set(listKey(i), v)
}

// Len returns the number of elements.
func (l *List[V]) Len() int {
	return l.length
}

// Range calls fn for every element in index order until fn returns false.
func (l *List[V]) Range(fn func(i int, v V) bool) error {
	var convErr error
	err := l.dict.Range(func(key string, v V) bool {
		i, err := strconv.Atoi(key)
		if err != nil {
			convErr = fmt.Errorf("corrupt list key %q: %w", key, err)
			return false
		}
		return fn(i, v)
	})
	if err != nil {
		return err
	}
	return convErr
}

// Dict exposes the backing dict, for Query.
func (l *List[V]) Dict() *Dict[V] {
	return l.dict
}

// Flush writes buffered elements to the database.
func (l *List[V]) Flush() error {
	return l.dict.Flush()
}

// Close flushes the list and releases the backing dict.
func (l *List[V]) Close() error {
	return l.dict.Close()
}
