package cache

import (
	"container/list"
	"sync"
)

// warmIndex tracks what this process has spilled to the warm store, in LRU
// order, so the tier can be held to a byte budget without listing the store.
type warmIndex struct {
	mu     sync.Mutex
	ll     *list.List
	items  map[string]*list.Element
	bytes  int64
	budget int64
}

type warmItem struct {
	key  string
	size int64
}

func newWarmIndex(budget int64) *warmIndex {
	return &warmIndex{ll: list.New(), items: make(map[string]*list.Element), budget: budget}
}

// add records key and returns the keys that must be deleted to stay within
// budget.
func (w *warmIndex) add(key string, size int64) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.items[key]; ok {
		it := el.Value.(*warmItem)
		w.bytes += size - it.size
		it.size = size
		w.ll.MoveToFront(el)
	} else {
		w.items[key] = w.ll.PushFront(&warmItem{key: key, size: size})
		w.bytes += size
	}
	return w.trimLocked(w.budget, key)
}

// trim shrinks the index to budget and returns the victims.
func (w *warmIndex) trim(budget int64) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trimLocked(budget, "")
}

func (w *warmIndex) trimLocked(budget int64, keep string) []string {
	if budget <= 0 {
		return nil
	}
	var victims []string
	for w.bytes > budget {
		el := w.ll.Back()
		if el == nil {
			break
		}
		it := el.Value.(*warmItem)
		if it.key == keep && w.ll.Len() == 1 {
			break
		}
		w.ll.Remove(el)
		delete(w.items, it.key)
		w.bytes -= it.size
		victims = append(victims, it.key)
	}
	return victims
}

func (w *warmIndex) remove(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.items[key]; ok {
		w.bytes -= el.Value.(*warmItem).size
		w.ll.Remove(el)
		delete(w.items, key)
	}
}

func (w *warmIndex) stat() (int, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ll.Len(), w.bytes
}
