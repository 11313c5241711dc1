package metrics

// Ring — ограниченный буфер: при переполнении вытесняется самый старый элемент.
// Не потокобезопасен, синхронизацию обеспечивает владелец.
type Ring[T any] struct {
	items []T
	start int
	size  int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

func (r *Ring[T]) Cap() int { return len(r.items) }

func (r *Ring[T]) Len() int { return r.size }

// Push добавляет элемент; возвращает true, если пришлось вытеснить старый
func (r *Ring[T]) Push(v T) bool {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = v
		r.size++
		return false
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
	return true
}

// At возвращает i-й элемент от самого старого
func (r *Ring[T]) At(i int) T {
	return r.items[(r.start+i)%len(r.items)]
}

// Set заменяет i-й элемент от самого старого
func (r *Ring[T]) Set(i int, v T) {
	r.items[(r.start+i)%len(r.items)] = v
}

// Last возвращает самый новый элемент
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// Slice копирует содержимое от старых к новым
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.At(i)
	}
	return out
}
