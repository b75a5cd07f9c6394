package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/twitter/groupcache"

	"github.com/peter-fm/snapbase-sub001/common/stats"
	"github.com/peter-fm/snapbase-sub001/snapshot"
)

// Cache keys name immutable per-snapshot artifacts: "ws/ds/id/kind".
// Committed snapshots never change, so entries carry no TTL. Lists and
// writes always go to the underlying backend for freshness.
const (
	cacheKindSnapshot = "snapshot" // manifest + row index
	cacheKindRows     = "rows"     // raw row payload
)

// Note: Endpoint is concatenated with Name in groupcache internals, and AddrSelf is expected as HOST:PORT.
type GroupcacheConfig struct {
	Name        string
	MemoryBytes int64
	AddrSelf    string
	Endpoint    string
	Peers       []string // HOST:PORT of every cache instance, this one included
}

// MakeCachedBackend adds in-memory caching of snapshot artifacts to the
// given backend. The returned handler serves groupcache peer traffic
// and should be mounted at cfg.Endpoint.
func MakeCachedBackend(underlying Backend, cfg *GroupcacheConfig, stat stats.StatsReceiver) (*CachedBackend, http.Handler, error) {
	stat = stat.Scope("store", "cache")

	cache := groupcache.NewGroup(
		cfg.Name,
		cfg.MemoryBytes,
		groupcache.GetterFunc(func(ctx groupcache.Context, key string, dest groupcache.Sink) (*time.Time, error) {
			log.Info("Not cached, fetching from underlying store: ", key)
			stat.Counter("readUnderlying").Inc(1)
			defer stat.Latency("readUnderlying_ms").Time().Stop()

			data, err := loadUnderlying(underlying, key)
			if err != nil {
				return nil, err
			}
			return nil, dest.SetBytes(data)
		}),
		groupcache.ContainerFunc(func(ctx groupcache.Context, key string) (bool, error) {
			stat.Counter("existUnderlying").Inc(1)
			defer stat.Latency("existUnderlying_ms").Time().Stop()

			workspace, dataset, id, _, err := parseCacheKey(key)
			if err != nil {
				return false, err
			}
			return underlying.Exists(context.Background(), workspace, dataset, id)
		}),
		groupcache.PutterFunc(func(ctx groupcache.Context, key string, data []byte, ttl *time.Time) error {
			// Ids are assigned at commit time, so puts cannot be keyed
			// up front. Writes go straight to the underlying backend.
			return snapshot.NewIoError(nil, "snapshot cache is read-through only")
		}),
	)

	pool := groupcache.NewHTTPPoolOpts("http://"+cfg.AddrSelf, &groupcache.HTTPPoolOptions{BasePath: cfg.Endpoint})
	pool.Set(toPeerURLs(cfg.Peers)...)
	go statsLoop(cache, stat)

	return &CachedBackend{underlying: underlying, cache: cache, stat: stat}, pool, nil
}

func toPeerURLs(peers []string) []string {
	urls := []string{}
	for _, p := range peers {
		urls = append(urls, "http://"+p)
	}
	log.Info("CachedBackend peers: ", urls)
	return urls
}

// Mirror groupcache's internal stats every 1s.
func statsLoop(cache *groupcache.Group, stat stats.StatsReceiver) {
	ticker := time.NewTicker(1 * time.Second)
	for range ticker.C {
		updateCacheStats(cache, stat)
	}
}

// CachedBackend serves immutable snapshot reads from groupcache and
// forwards everything else to the underlying backend.
type CachedBackend struct {
	underlying Backend
	cache      *groupcache.Group
	stat       stats.StatsReceiver
}

func (s *CachedBackend) PutSnapshot(ctx context.Context, workspace, dataset string, put *Put) (snapshot.Meta, error) {
	return s.underlying.PutSnapshot(ctx, workspace, dataset, put)
}

func (s *CachedBackend) GetSnapshot(ctx context.Context, workspace, dataset string, id snapshot.ID) (*snapshot.Snapshot, error) {
	defer s.stat.Latency("get_ms").Time().Stop()
	s.stat.Counter("gets").Inc(1)

	var data []byte
	if _, err := s.cache.Get(nil, cacheKey(workspace, dataset, id, cacheKindSnapshot), groupcache.AllocatingByteSliceSink(&data)); err != nil {
		return nil, err
	}
	return decodeSnapshotEntry(data)
}

func (s *CachedBackend) ListSnapshots(ctx context.Context, workspace, dataset string) ([]snapshot.Meta, error) {
	return s.underlying.ListSnapshots(ctx, workspace, dataset)
}

func (s *CachedBackend) Exists(ctx context.Context, workspace, dataset string, id snapshot.ID) (bool, error) {
	s.stat.Counter("exists").Inc(1)
	return s.cache.Contain(nil, cacheKey(workspace, dataset, id, cacheKindSnapshot))
}

func (s *CachedBackend) OpenRows(ctx context.Context, workspace, dataset string, id snapshot.ID) (io.ReadCloser, error) {
	defer s.stat.Latency("rows_ms").Time().Stop()
	s.stat.Counter("rowReads").Inc(1)

	var data []byte
	if _, err := s.cache.Get(nil, cacheKey(workspace, dataset, id, cacheKindRows), groupcache.AllocatingByteSliceSink(&data)); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *CachedBackend) ListDatasets(ctx context.Context, workspace string) ([]DatasetInfo, error) {
	return s.underlying.ListDatasets(ctx, workspace)
}

func (s *CachedBackend) Root() string {
	return s.underlying.Root()
}

func cacheKey(workspace, dataset string, id snapshot.ID, kind string) string {
	return strings.Join([]string{workspace, dataset, string(id), kind}, "/")
}

// parseCacheKey splits "ws/ds/id/kind". Name validation forbids '/' so
// the split is unambiguous.
func parseCacheKey(key string) (workspace, dataset string, id snapshot.ID, kind string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return "", "", "", "", snapshot.NewIoError(nil, "malformed cache key %q", key)
	}
	id = snapshot.ID(parts[2])
	if !id.Valid() {
		return "", "", "", "", snapshot.NewIoError(nil, "malformed cache key id %q", parts[2])
	}
	switch parts[3] {
	case cacheKindSnapshot, cacheKindRows:
	default:
		return "", "", "", "", snapshot.NewIoError(nil, "unknown cache key kind %q", parts[3])
	}
	return parts[0], parts[1], id, parts[3], nil
}

// loadUnderlying fetches and encodes the artifact a cache key names.
func loadUnderlying(underlying Backend, key string) ([]byte, error) {
	workspace, dataset, id, kind, err := parseCacheKey(key)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	switch kind {
	case cacheKindSnapshot:
		snap, err := underlying.GetSnapshot(ctx, workspace, dataset, id)
		if err != nil {
			return nil, err
		}
		return encodeSnapshotEntry(snap)
	default:
		rc, err := underlying.OpenRows(ctx, workspace, dataset, id)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, snapshot.NewIoError(err, "reading rows of %v", id)
		}
		return data, nil
	}
}

// Cache entries for the snapshot kind hold a u32 manifest length, the
// manifest JSON, then the binary row index.
func encodeSnapshotEntry(snap *snapshot.Snapshot) ([]byte, error) {
	manifest, err := EncodeManifest(Manifest{Meta: snap.Meta, Columns: snap.Columns})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(manifest)))
	buf.Write(lenBytes[:])
	buf.Write(manifest)
	if _, err := snap.Index.WriteTo(&buf); err != nil {
		return nil, snapshot.NewIoError(err, "encoding row index of %v", snap.Meta.ID)
	}
	return buf.Bytes(), nil
}

func decodeSnapshotEntry(data []byte) (*snapshot.Snapshot, error) {
	if len(data) < 4 {
		return nil, snapshot.NewIoError(nil, "cache entry too short")
	}
	mlen := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+mlen {
		return nil, snapshot.NewIoError(nil, "cache entry truncated")
	}
	manifest, err := DecodeManifest(data[4 : 4+mlen])
	if err != nil {
		return nil, err
	}
	index, err := snapshot.ReadIndex(bytes.NewReader(data[4+mlen:]))
	if err != nil {
		return nil, err
	}
	return &snapshot.Snapshot{Meta: manifest.Meta, Columns: manifest.Columns, Index: index}, nil
}

// Groupcache updates its stats in the background - convert those to our
// own representation. Gauges fluctuate, counters only ever increase.
func updateCacheStats(cache *groupcache.Group, stat stats.StatsReceiver) {
	stat.Gauge("mainBytes").Update(cache.CacheStats(groupcache.MainCache).Bytes)
	stat.Gauge("mainItems").Update(cache.CacheStats(groupcache.MainCache).Items)
	stat.Counter("mainGets").Update(cache.CacheStats(groupcache.MainCache).Gets)
	stat.Counter("mainHits").Update(cache.CacheStats(groupcache.MainCache).Hits)
	stat.Counter("mainEvictions").Update(cache.CacheStats(groupcache.MainCache).Evictions)

	stat.Gauge("hotBytes").Update(cache.CacheStats(groupcache.HotCache).Bytes)
	stat.Gauge("hotItems").Update(cache.CacheStats(groupcache.HotCache).Items)
	stat.Counter("hotGets").Update(cache.CacheStats(groupcache.HotCache).Gets)
	stat.Counter("hotHits").Update(cache.CacheStats(groupcache.HotCache).Hits)
	stat.Counter("hotEvictions").Update(cache.CacheStats(groupcache.HotCache).Evictions)

	stat.Counter("cacheGets").Update(cache.Stats.Gets.Get())
	stat.Counter("cacheContains").Update(cache.Stats.Contains.Get())
	stat.Counter("cacheHits").Update(cache.Stats.CacheHits.Get())
	stat.Counter("cacheLoads").Update(cache.Stats.Loads.Get())
	stat.Counter("cacheChecks").Update(cache.Stats.Checks.Get())
	stat.Counter("peerLoads").Update(cache.Stats.PeerLoads.Get())
	stat.Counter("peerChecks").Update(cache.Stats.PeerChecks.Get())
	stat.Counter("peerErrors").Update(cache.Stats.PeerErrors.Get())
	stat.Counter("localLoads").Update(cache.Stats.LocalLoads.Get())
	stat.Counter("localLoadErrs").Update(cache.Stats.LocalLoadErrs.Get())
	stat.Counter("localChecks").Update(cache.Stats.LocalChecks.Get())
	stat.Counter("serverRequests").Update(cache.Stats.ServerRequests.Get())
}
