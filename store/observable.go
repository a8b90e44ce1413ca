package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jrife/zoom/backend"
	"github.com/jrife/zoom/observable"
	"github.com/jrife/zoom/txn"
	"github.com/jrife/zoom/zoommetrics"
)

// Observable returns a subscription to (class, id)'s object stream, per
// spec.md §4.4: emits the deserialized object on subscribe and on every
// backend data change, completes on deletion, transparently recovers from
// transient watcher closure, and emits NotFound as a terminal error if the
// object is absent.
func (s *Store) Observable(class, id string) *observable.Subscription[interface{}] {
	key := objKey{class, id}

	return s.objectCache.Subscribe(key, 16, func() *observable.Stream[interface{}] {
		stream := observable.New[interface{}]()

		go s.watchObject(class, id, stream)

		return stream
	})
}

func (s *Store) watchObject(class, id string, stream *observable.Stream[interface{}]) {
	ctx := context.Background()

	ci, ok := s.manager.Registry().Class(class)
	if !ok {
		stream.Fail(&txn.InternalObjectMapperError{Cause: fmt.Errorf("unregistered class %q", class)})
		return
	}

	path := s.manager.Paths().ModelPath(class, id)

	// handle decodes a single EventDataChanged (including the watcher's own
	// initial event, which reflects the node's state at watch
	// establishment per backend.Backend.Watch's contract) and emits it, or
	// terminates the stream if the node is missing or malformed.
	handle := func(ev backend.Event) bool {
		if errors.Is(ev.Err, backend.ErrNoNode) {
			zoommetrics.IncError(zoommetrics.ErrorKindNotFound)
			stream.Fail(&txn.NotFoundError{Class: class, ID: id})
			return false
		}

		if ev.Err != nil {
			stream.Fail(&txn.StorageFailureError{Reason: "observable watch", Cause: ev.Err})
			return false
		}

		obj := reflect.New(ci.Type).Interface()

		if err := ci.Serializer.Unmarshal(ev.Data, obj); err != nil {
			stream.Fail(&txn.InternalObjectMapperError{Cause: err})
			return false
		}

		stream.Emit(obj)

		return true
	}

	watcher, err := s.manager.Backend().Watch(ctx, path)
	if err != nil {
		stream.Fail(&txn.StorageFailureError{Reason: "watch", Cause: err})
		return
	}

	defer func() { watcher.Close() }()

	for {
		ev, ok := <-watcher.Events()
		if !ok {
			return
		}

		switch ev.Type {
		case backend.EventDeleted:
			stream.Complete()
			return
		case backend.EventClosed:
			w2, err := s.manager.Backend().Watch(ctx, path)

			if err != nil {
				stream.Fail(&txn.StorageFailureError{Reason: "rewatch", Cause: err})
				return
			}

			watcher = w2
			s.objectCache.MarkRecreated(objKey{class, id})

			continue
		case backend.EventDataChanged:
			if !handle(ev) {
				return
			}
		}
	}
}

// ClassMember is one element of a per-class observable, pairing the id
// that triggered the emission with that object's own observable stream.
type ClassMember struct {
	ID     string
	Object *observable.Subscription[interface{}]
}

// ClassObservable returns a subscription that emits a ClassMember for
// every id currently in class, and for every id added afterward, per
// spec.md §4.4 ("emits one child-observable per object in the class").
func (s *Store) ClassObservable(class string) *observable.Subscription[ClassMember] {
	return s.classCache.Subscribe(class, 16, func() *observable.Stream[ClassMember] {
		stream := observable.New[ClassMember]()

		go s.watchClass(class, stream)

		return stream
	})
}

func (s *Store) watchClass(class string, stream *observable.Stream[ClassMember]) {
	ctx := context.Background()
	dir := s.manager.Paths().ClassModelsDir(class)

	known := map[string]bool{}

	emitNew := func(ids []string) {
		for _, id := range ids {
			if known[id] {
				continue
			}

			known[id] = true
			stream.Emit(ClassMember{ID: id, Object: s.Observable(class, id)})
		}
	}

	list := func() ([]string, error) {
		ids, err := s.manager.Backend().Children(ctx, dir)

		if errors.Is(err, backend.ErrNoNode) {
			return nil, nil
		}

		return ids, err
	}

	watcher, err := s.manager.Backend().WatchChildren(ctx, dir)
	if err != nil {
		stream.Fail(&txn.StorageFailureError{Reason: "watchChildren", Cause: err})
		return
	}

	defer func() { watcher.Close() }()

	ids, err := list()
	if err != nil {
		stream.Fail(&txn.InternalObjectMapperError{Cause: err})
		return
	}

	emitNew(ids)

	for {
		ev, ok := <-watcher.Events()
		if !ok {
			return
		}

		switch ev.Type {
		case backend.EventDeleted:
			stream.Complete()
			return
		case backend.EventClosed:
			w2, err := s.manager.Backend().WatchChildren(ctx, dir)

			if err != nil {
				stream.Fail(&txn.StorageFailureError{Reason: "rewatch", Cause: err})
				return
			}

			watcher = w2
			s.classCache.MarkRecreated(class)

			continue
		case backend.EventChildrenChanged:
			ids, err := list()

			if err != nil {
				stream.Fail(&txn.InternalObjectMapperError{Cause: err})
				return
			}

			emitNew(ids)
		}
	}
}

