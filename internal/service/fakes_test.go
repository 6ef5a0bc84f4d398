package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timmy/emosense/internal/domain"
	"github.com/timmy/emosense/internal/repository"
	"github.com/timmy/emosense/internal/storage"
)

var errInjected = errors.New("injected failure")

// fakeIndex wraps MemoryIndex with injectable failures.
type fakeIndex struct {
	*repository.MemoryIndex
	mu          sync.Mutex
	failUp      error
	failAfterUp error // upsert is applied before the error is returned
	failQuery   error
	failDel     error
}

func newFakeIndex(dim int) *fakeIndex {
	return &fakeIndex{MemoryIndex: repository.NewMemoryIndex(dim)}
}

func (f *fakeIndex) Upsert(ctx context.Context, id string, emb domain.Embedding, meta domain.VectorMetadata) error {
	f.mu.Lock()
	err, after := f.failUp, f.failAfterUp
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if err := f.MemoryIndex.Upsert(ctx, id, emb, meta); err != nil {
		return err
	}
	return after
}

func (f *fakeIndex) Query(ctx context.Context, emb domain.Embedding, topK int, minSim float32) ([]domain.IndexMatch, error) {
	f.mu.Lock()
	err := f.failQuery
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryIndex.Query(ctx, emb, topK, minSim)
}

func (f *fakeIndex) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	err := f.failDel
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryIndex.Delete(ctx, id)
}

type fakeObject struct {
	data    []byte
	written time.Time
}

// fakeArtifacts is an in-memory ArtifactStore.
type fakeArtifacts struct {
	mu        sync.Mutex
	objects   map[string]fakeObject
	now       func() time.Time
	failPut   error
	failCrop  error
	failDel   error
	failList  error
	failDelBy map[string]error
}

func newFakeArtifacts(now func() time.Time) *fakeArtifacts {
	return &fakeArtifacts{objects: make(map[string]fakeObject), now: now, failDelBy: make(map[string]error)}
}

func (f *fakeArtifacts) put(key string, data []byte) {
	f.objects[key] = fakeObject{data: append([]byte(nil), data...), written: f.now()}
}

func (f *fakeArtifacts) PutSessionImage(ctx context.Context, id string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return "", f.failPut
	}
	key := storage.ImageKey(id, contentType)
	f.put(key, data)
	return key, nil
}

func (f *fakeArtifacts) PutFaceCrop(ctx context.Context, id string, index int, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCrop != nil {
		return "", f.failCrop
	}
	key := storage.FaceCropKey(id, index)
	f.put(key, data)
	return key, nil
}

func (f *fakeArtifacts) List(ctx context.Context, id string) ([]storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := storage.SessionKeyPrefix(id)
	var out []storage.ObjectInfo
	for k, o := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(o.data)), LastModified: o.written})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeArtifacts) URL(key string) string { return "mem://" + key }

func (f *fakeArtifacts) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDel != nil {
		return f.failDel
	}
	if err := f.failDelBy[id]; err != nil {
		return err
	}
	prefix := storage.SessionKeyPrefix(id)
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			delete(f.objects, k)
		}
	}
	return nil
}

func (f *fakeArtifacts) ListSessionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList != nil {
		return nil, f.failList
	}
	oldest := map[string]time.Time{}
	for k, o := range f.objects {
		id := strings.SplitN(strings.TrimPrefix(k, "sessions/"), "/", 2)[0]
		if ts, ok := oldest[id]; !ok || o.written.Before(ts) {
			oldest[id] = o.written
		}
	}
	var ids []string
	for id, ts := range oldest {
		if !ts.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeArtifacts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// fakeLog is an in-memory SessionLog.
type fakeLog struct {
	mu         sync.Mutex
	records    map[string]*domain.SessionRecord
	tombstones map[string]bool
	failAppend error
	failDel    error
	failList   error
}

func newFakeLog() *fakeLog {
	return &fakeLog{records: make(map[string]*domain.SessionRecord), tombstones: make(map[string]bool)}
}

func (f *fakeLog) Append(ctx context.Context, rec *domain.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend != nil {
		return f.failAppend
	}
	if f.tombstones[rec.Session.ID] {
		return domain.ErrSessionDeleted
	}
	if _, ok := f.records[rec.Session.ID]; ok {
		return fmt.Errorf("duplicate session %s", rec.Session.ID)
	}
	f.records[rec.Session.ID] = rec
	return nil
}

func (f *fakeLog) Get(ctx context.Context, id string) (*domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return rec, nil
}

func (f *fakeLog) ListOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList != nil {
		return nil, f.failList
	}
	var ids []string
	for id, rec := range f.records {
		if !rec.Session.CreatedAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeLog) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDel != nil {
		return f.failDel
	}
	delete(f.records, id)
	f.tombstones[id] = true
	return nil
}

func (f *fakeLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}
