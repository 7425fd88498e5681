package txn

import (
	"strconv"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/poiesic/modeldepot/core"
)

// VersionCache caches decoded object versions keyed by (ID, commit
// sequence). Versions are immutable once committed, so entries never
// need invalidation; admission and eviction are ristretto's problem.
// Objects are cloned on the way in and out, so cached state can never
// be mutated through a transaction's working copy.
type VersionCache struct {
	cache *ristretto.Cache[string, *core.Object]
}

// NewVersionCache returns a cache that holds up to maxObjects decoded
// versions.
func NewVersionCache(maxObjects int64) (*VersionCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *core.Object]{
		NumCounters: maxObjects * 10,
		MaxCost:     maxObjects,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &VersionCache{cache: c}, nil
}

func versionKey(id core.ID, seq uint64) string {
	return strconv.FormatUint(uint64(id), 10) + "@" + strconv.FormatUint(seq, 10)
}

// Get returns a private copy of the cached version, if present.
func (vc *VersionCache) Get(id core.ID, seq uint64) (*core.Object, bool) {
	obj, ok := vc.cache.Get(versionKey(id, seq))
	if !ok {
		return nil, false
	}
	return obj.Clone(), true
}

// Put stores a copy of obj as the version of id at seq.
func (vc *VersionCache) Put(id core.ID, seq uint64, obj *core.Object) {
	vc.cache.Set(versionKey(id, seq), obj.Clone(), 1)
}

// Wait blocks until buffered sets have been applied. Test helper.
func (vc *VersionCache) Wait() {
	vc.cache.Wait()
}

// Close releases the cache's resources.
func (vc *VersionCache) Close() {
	vc.cache.Close()
}
