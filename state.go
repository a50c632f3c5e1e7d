package blockstm

// MapState is an in-memory StateReader.
type MapState[K comparable, V any] map[K]V

func (s MapState[K, V]) Get(key K) (V, bool) {
	v, ok := s[key]
	return v, ok
}

// Apply returns a copy of s with the outputs applied in order.
func (s MapState[K, V]) Apply(outputs []TransactionOutput[K, V]) MapState[K, V] {
	next := make(MapState[K, V], len(s))
	for k, v := range s {
		next[k] = v
	}
	for _, out := range outputs {
		for _, w := range out.Writes {
			if w.Val.Deleted {
				delete(next, w.Location)
			} else {
				next[w.Location] = w.Val.Value
			}
		}
	}
	return next
}

// ApplySnapshot returns a copy of s updated with the final values of a block.
func (s MapState[K, V]) ApplySnapshot(snapshot []LocationValue[K, V]) MapState[K, V] {
	next := make(MapState[K, V], len(s))
	for k, v := range s {
		next[k] = v
	}
	for _, lv := range snapshot {
		if lv.Deleted {
			delete(next, lv.Location)
		} else {
			next[lv.Location] = lv.Value
		}
	}
	return next
}
