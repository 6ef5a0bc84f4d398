package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const sessionPrefix = "sessions/"

// SessionArtifacts keeps the binary artifacts of a session (captured image,
// per-face crops) under a common key prefix so they can be listed and
// removed together.
type SessionArtifacts struct {
	store ObjectStorage
}

// NewSessionArtifacts creates an artifact store over the given object storage.
func NewSessionArtifacts(store ObjectStorage) *SessionArtifacts {
	return &SessionArtifacts{store: store}
}

// SessionKeyPrefix returns the key prefix of every artifact of a session.
func SessionKeyPrefix(sessionID string) string {
	return sessionPrefix + sessionID + "/"
}

// ImageKey returns the key of the captured session image.
func ImageKey(sessionID, contentType string) string {
	return SessionKeyPrefix(sessionID) + "captured" + extensionFor(contentType)
}

// FaceCropKey returns the key of the crop of face index.
func FaceCropKey(sessionID string, index int) string {
	return fmt.Sprintf("%sfaces/face_%d.jpg", SessionKeyPrefix(sessionID), index)
}

func extensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}

// PutSessionImage stores the captured image and returns its key.
func (a *SessionArtifacts) PutSessionImage(ctx context.Context, sessionID string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	key := ImageKey(sessionID, contentType)
	if err := a.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", err
	}
	return key, nil
}

// PutFaceCrop stores a JPEG face crop and returns its key.
func (a *SessionArtifacts) PutFaceCrop(ctx context.Context, sessionID string, index int, data []byte) (string, error) {
	key := FaceCropKey(sessionID, index)
	if err := a.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), "image/jpeg"); err != nil {
		return "", err
	}
	return key, nil
}

// List returns the artifacts of a session sorted by key.
func (a *SessionArtifacts) List(ctx context.Context, sessionID string) ([]ObjectInfo, error) {
	return a.store.List(ctx, SessionKeyPrefix(sessionID))
}

// URL returns the access URL of an artifact key.
func (a *SessionArtifacts) URL(key string) string {
	return a.store.GetURL(key)
}

// DeleteSession removes every artifact of a session. A session without
// artifacts is not an error.
func (a *SessionArtifacts) DeleteSession(ctx context.Context, sessionID string) error {
	objects, err := a.List(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return nil
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	return a.store.DeleteMany(ctx, keys)
}

// ListSessionsOlderThan returns the ids of sessions whose oldest artifact was
// written at or before cutoff. Ids are sorted.
func (a *SessionArtifacts) ListSessionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	objects, err := a.store.List(ctx, sessionPrefix)
	if err != nil {
		return nil, err
	}

	oldest := make(map[string]time.Time)
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, sessionPrefix)
		idx := strings.Index(rest, "/")
		if idx <= 0 {
			continue
		}
		id := rest[:idx]
		if ts, ok := oldest[id]; !ok || obj.LastModified.Before(ts) {
			oldest[id] = obj.LastModified
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
