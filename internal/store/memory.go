package store

import (
	"context"
	"sort"
	"sync"
)

const subscriptionBuffer = 64

// MemoryStore is an in-process Store used for single node deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]Document
	children map[string]map[string]struct{}
	subs     map[*memorySub]struct{}
}

type memorySub struct {
	path     string
	changes  chan string
	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]Document),
		children: make(map[string]map[string]struct{}),
		subs:     make(map[*memorySub]struct{}),
	}
}

func (s *MemoryStore) Get(ctx context.Context, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[path]
	if !ok {
		return nil, ErrNotFound
	}

	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, patch Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	doc, ok := s.docs[path]
	if !ok {
		doc = make(Document, len(patch))
		s.docs[path] = doc
	}
	for k, v := range patch {
		doc[k] = v
	}

	for p, name := parent(path); p != ""; p, name = parent(p) {
		if s.children[p] == nil {
			s.children[p] = make(map[string]struct{})
		}
		s.children[p][name] = struct{}{}
	}

	var notify []*memorySub
	for sub := range s.subs {
		if covers(sub.path, path) {
			notify = append(notify, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range notify {
		select {
		case sub.changes <- path:
		default:
			// subscriber is behind; it will re-read on the pending notification
		}
	}
	return nil
}

func (s *MemoryStore) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.children[path]))
	for name := range s.children[path] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, path string, onChange func(path string)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySub{
		path:    path,
		changes: make(chan string, subscriptionBuffer),
		stop:    make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		for {
			select {
			case p := <-sub.changes:
				onChange(p)
			case <-sub.stop:
				return
			}
		}
	}()

	return func() {
		sub.stopOnce.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
			close(sub.stop)
		})
	}, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	subs := make([]*memorySub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*memorySub]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stopOnce.Do(func() { close(sub.stop) })
	}
	return nil
}
