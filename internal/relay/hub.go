package relay

import "sync"

type subscriber struct {
	client *client
	id     string // subscription id chosen by the client
}

type subscription struct {
	path string
	coll bool
}

// hub tracks who listens to which document and collection.
type hub struct {
	mu    sync.Mutex
	docs  map[string]map[subscriber]struct{}
	colls map[string]map[subscriber]struct{}
	byKey map[subscriber]subscription
}

func newHub() *hub {
	return &hub{
		docs:  make(map[string]map[subscriber]struct{}),
		colls: make(map[string]map[subscriber]struct{}),
		byKey: make(map[subscriber]subscription),
	}
}

func (h *hub) subscribe(c *client, id, path string, coll bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := subscriber{client: c, id: id}
	h.removeLocked(key)
	idx := h.docs
	if coll {
		idx = h.colls
	}
	if idx[path] == nil {
		idx[path] = make(map[subscriber]struct{})
	}
	idx[path][key] = struct{}{}
	h.byKey[key] = subscription{path: path, coll: coll}
}

func (h *hub) unsubscribe(c *client, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(subscriber{client: c, id: id})
}

// drop removes every subscription of c.
func (h *hub) drop(c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for key := range h.byKey {
		if key.client == c && h.removeLocked(key) {
			n++
		}
	}
	return n
}

func (h *hub) removeLocked(key subscriber) bool {
	sub, ok := h.byKey[key]
	if !ok {
		return false
	}
	delete(h.byKey, key)
	idx := h.docs
	if sub.coll {
		idx = h.colls
	}
	delete(idx[sub.path], key)
	if len(idx[sub.path]) == 0 {
		delete(idx, sub.path)
	}
	return true
}

func (h *hub) docSubscribers(path string) []subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	return keys(h.docs[path])
}

func (h *hub) collSubscribers(coll string) []subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	return keys(h.colls[coll])
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byKey)
}

func keys(m map[subscriber]struct{}) []subscriber {
	out := make([]subscriber, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
