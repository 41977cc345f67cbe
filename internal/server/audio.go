package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domovoy-ai/domovoy/internal/pipeline"
)

// clipTTL bounds how long a synthesized clip stays fetchable after the
// command response that referenced it.
const clipTTL = 10 * time.Minute

// audioStore keeps synthesized clips in memory so command responses can
// reference them by URL instead of inlining the bytes.
type audioStore struct {
	mu    sync.Mutex
	clips map[string]storedClip
	now   func() time.Time
}

type storedClip struct {
	audio   pipeline.Audio
	expires time.Time
}

func newAudioStore() *audioStore {
	return &audioStore{
		clips: make(map[string]storedClip),
		now:   time.Now,
	}
}

// put stores a clip and returns its id. Expired clips are purged on the way
// in so the store stays bounded by the request rate.
func (a *audioStore) put(audio *pipeline.Audio) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for id, c := range a.clips {
		if now.After(c.expires) {
			delete(a.clips, id)
		}
	}

	id := uuid.NewString()
	a.clips[id] = storedClip{audio: *audio, expires: now.Add(clipTTL)}
	return id
}

func (a *audioStore) get(id string) (pipeline.Audio, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.clips[id]
	if !ok || a.now().After(c.expires) {
		delete(a.clips, id)
		return pipeline.Audio{}, false
	}
	return c.audio, true
}
