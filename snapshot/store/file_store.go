package store

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	log "github.com/sirupsen/logrus"

	"github.com/peter-fm/snapbase-sub001/common/stats"
	"github.com/peter-fm/snapbase-sub001/os/temp"
	"github.com/peter-fm/snapbase-sub001/snapshot"
)

const (
	historyFile   = "history"
	lockFile      = ".lock"
	snapshotsDir  = "snapshots"
	stagingPrefix = ".staging-"
)

// historyRecord is one committed snapshot in a dataset's append-only
// history. A snapshot is visible iff its record exists.
type historyRecord struct {
	Seq       uint64      `json:"seq"`
	ID        snapshot.ID `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Tag       string      `json:"tag,omitempty"`
}

// FileBackend stores snapshots under a local root directory:
//
//	<root>/<workspace>/<dataset>/history
//	<root>/<workspace>/<dataset>/.lock
//	<root>/<workspace>/<dataset>/snapshots/<id>/{metadata.json,rowindex.bin,rows.jsonl}
//
// Commits stage under snapshots/.staging-<uuid>, fsync, rename into
// place, then append the history record. A crash between rename and
// append leaves a directory no reader will ever surface.
type FileBackend struct {
	root   string
	locker *datasetLocker
	stat   stats.StatsReceiver
}

func MakeFileBackend(root string) (*FileBackend, error) {
	return MakeCustomFileBackend(root, DefaultLockWait, stats.NilStatsReceiver())
}

// Create a backend rooted in a fresh temp dir.
func MakeFileBackendInTemp() (*FileBackend, error) {
	dir, err := temp.TempDirDefault()
	if err != nil {
		return nil, snapshot.NewIoError(err, "creating temp root")
	}
	return MakeFileBackend(dir.Dir)
}

func MakeCustomFileBackend(root string, lockWait time.Duration, stat stats.StatsReceiver) (*FileBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, snapshot.NewIoError(err, "resolving root %s", root)
	}
	if err := os.MkdirAll(abs, 0777); err != nil {
		return nil, snapshot.NewIoError(err, "creating root %s", abs)
	}
	log.Infof("Making new FileBackend at root: %s", abs)
	return &FileBackend{
		root:   abs,
		locker: makeDatasetLocker(lockWait),
		stat:   stat.Scope("store", "file"),
	}, nil
}

func (s *FileBackend) Root() string {
	return s.root
}

func (s *FileBackend) datasetDir(workspace, dataset string) string {
	return filepath.Join(s.root, workspace, dataset)
}

func (s *FileBackend) snapshotDir(workspace, dataset string, id snapshot.ID) string {
	return filepath.Join(s.datasetDir(workspace, dataset), snapshotsDir, string(id))
}

func (s *FileBackend) PutSnapshot(ctx context.Context, workspace, dataset string, put *Put) (snapshot.Meta, error) {
	defer s.stat.Latency("put_ms").Time().Stop()
	s.stat.Counter("puts").Inc(1)

	var none snapshot.Meta
	if err := ValidateName("workspace", workspace); err != nil {
		return none, err
	}
	if err := ValidateName("dataset", dataset); err != nil {
		return none, err
	}
	if err := snapshot.ValidateSchema(put.Columns); err != nil {
		return none, err
	}
	if put.Index == nil || put.Rows == nil {
		return none, snapshot.NewIoError(nil, "put for %s/%s is missing artifacts", workspace, dataset)
	}

	dsDir := s.datasetDir(workspace, dataset)
	snapsDir := filepath.Join(dsDir, snapshotsDir)
	if err := os.MkdirAll(snapsDir, 0777); err != nil {
		return none, snapshot.NewIoError(err, "creating dataset dir %s", dsDir)
	}

	release, err := s.locker.acquire(ctx, filepath.Join(dsDir, lockFile), workspace+"/"+dataset)
	if err != nil {
		s.stat.Counter("put_conflicts").Inc(1)
		return none, err
	}
	defer release()

	history, err := s.readHistory(dsDir)
	if err != nil {
		return none, err
	}

	meta := put.Meta
	meta.Workspace = workspace
	meta.Dataset = dataset
	meta.Seq = nextSeq(history)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.FormatVersion = snapshot.FormatVersion
	meta.RowCount = uint64(put.Index.Len())
	meta.ID = snapshot.MakeID(meta.AggregateDigest, meta.SchemaDigest, dataset, meta.Seq, meta.CreatedAt)

	staging, err := s.stage(snapsDir, meta, put)
	if err != nil {
		return none, err
	}

	final := filepath.Join(snapsDir, string(meta.ID))
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return none, snapshot.NewIoError(err, "committing snapshot %v", meta.ID)
	}
	if err := syncDir(snapsDir); err != nil {
		os.RemoveAll(final)
		return none, err
	}

	rec := historyRecord{Seq: meta.Seq, ID: meta.ID, CreatedAt: meta.CreatedAt, Tag: meta.Tag}
	if err := s.appendHistory(dsDir, rec); err != nil {
		os.RemoveAll(final)
		return none, err
	}

	log.Debugf("Committed snapshot %v seq %d to %s/%s", meta.ID, meta.Seq, workspace, dataset)
	return meta, nil
}

// stage writes the three artifacts into a fresh staging directory and
// returns its path. On error nothing is left behind.
func (s *FileBackend) stage(snapsDir string, meta snapshot.Meta, put *Put) (dir string, err error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", snapshot.NewIoError(err, "generating staging id")
	}
	staging := filepath.Join(snapsDir, stagingPrefix+u.String())
	if err := os.Mkdir(staging, 0777); err != nil {
		return "", snapshot.NewIoError(err, "creating staging dir")
	}
	defer func() {
		if err != nil {
			os.RemoveAll(staging)
		}
	}()

	manifest, err := EncodeManifest(Manifest{Meta: meta, Columns: put.Columns})
	if err != nil {
		return "", err
	}
	if err = writeFileSync(filepath.Join(staging, MetadataFile), func(w io.Writer) error {
		_, werr := w.Write(manifest)
		return werr
	}); err != nil {
		return "", err
	}
	if err = writeFileSync(filepath.Join(staging, RowIndexFile), func(w io.Writer) error {
		_, werr := put.Index.WriteTo(w)
		return werr
	}); err != nil {
		return "", err
	}
	if err = writeFileSync(filepath.Join(staging, RowsFile), func(w io.Writer) error {
		_, werr := io.Copy(w, put.Rows)
		return werr
	}); err != nil {
		return "", err
	}
	if err = syncDir(staging); err != nil {
		return "", err
	}
	return staging, nil
}

func (s *FileBackend) GetSnapshot(ctx context.Context, workspace, dataset string, id snapshot.ID) (*snapshot.Snapshot, error) {
	defer s.stat.Latency("get_ms").Time().Stop()
	s.stat.Counter("gets").Inc(1)

	if _, err := s.committedRecord(workspace, dataset, id); err != nil {
		return nil, err
	}
	dir := s.snapshotDir(workspace, dataset, id)

	manifest, err := readManifestFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, RowIndexFile))
	if err != nil {
		return nil, snapshot.NewIoError(err, "opening row index of %v", id)
	}
	defer f.Close()
	index, err := snapshot.ReadIndex(f)
	if err != nil {
		return nil, err
	}
	return &snapshot.Snapshot{
		Meta:    manifest.Meta,
		Columns: manifest.Columns,
		Index:   index,
	}, nil
}

func (s *FileBackend) ListSnapshots(ctx context.Context, workspace, dataset string) ([]snapshot.Meta, error) {
	defer s.stat.Latency("list_ms").Time().Stop()

	history, err := s.datasetHistory(workspace, dataset)
	if err != nil {
		return nil, err
	}
	metas := make([]snapshot.Meta, 0, len(history))
	for _, rec := range history {
		manifest, err := readManifestFile(filepath.Join(s.snapshotDir(workspace, dataset, rec.ID), MetadataFile))
		if err != nil {
			return nil, err
		}
		metas = append(metas, manifest.Meta)
	}
	return metas, nil
}

func (s *FileBackend) Exists(ctx context.Context, workspace, dataset string, id snapshot.ID) (bool, error) {
	history, err := s.datasetHistory(workspace, dataset)
	if err != nil {
		if snapshot.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, rec := range history {
		if rec.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *FileBackend) OpenRows(ctx context.Context, workspace, dataset string, id snapshot.ID) (io.ReadCloser, error) {
	if _, err := s.committedRecord(workspace, dataset, id); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.snapshotDir(workspace, dataset, id), RowsFile))
	if err != nil {
		return nil, snapshot.NewIoError(err, "opening rows of %v", id)
	}
	return f, nil
}

func (s *FileBackend) ListDatasets(ctx context.Context, workspace string) ([]DatasetInfo, error) {
	if err := ValidateName("workspace", workspace); err != nil {
		return nil, err
	}
	wsDir := filepath.Join(s.root, workspace)
	entries, err := os.ReadDir(wsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, snapshot.NewNotFoundError("workspace %q not found", workspace)
		}
		return nil, snapshot.NewIoError(err, "reading workspace %s", workspace)
	}

	var infos []DatasetInfo
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		history, err := s.readHistory(filepath.Join(wsDir, e.Name()))
		if err != nil {
			return nil, err
		}
		info := DatasetInfo{Name: e.Name(), Snapshots: len(history)}
		if len(history) > 0 {
			last := history[len(history)-1]
			manifest, err := readManifestFile(filepath.Join(s.snapshotDir(workspace, e.Name(), last.ID), MetadataFile))
			if err != nil {
				return nil, err
			}
			m := manifest.Meta
			info.Latest = &m
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// committedRecord returns the history record for id, or NotFoundError.
func (s *FileBackend) committedRecord(workspace, dataset string, id snapshot.ID) (historyRecord, error) {
	history, err := s.datasetHistory(workspace, dataset)
	if err != nil {
		return historyRecord{}, err
	}
	for _, rec := range history {
		if rec.ID == id {
			return rec, nil
		}
	}
	return historyRecord{}, snapshot.NewNotFoundError("snapshot %v not found in %s/%s", id, workspace, dataset)
}

// datasetHistory reads history for read paths, mapping a missing dataset
// to NotFoundError.
func (s *FileBackend) datasetHistory(workspace, dataset string) ([]historyRecord, error) {
	if err := ValidateName("workspace", workspace); err != nil {
		return nil, err
	}
	if err := ValidateName("dataset", dataset); err != nil {
		return nil, err
	}
	dsDir := s.datasetDir(workspace, dataset)
	if _, err := os.Stat(dsDir); err != nil {
		if os.IsNotExist(err) {
			return nil, snapshot.NewNotFoundError("dataset %s/%s not found", workspace, dataset)
		}
		return nil, snapshot.NewIoError(err, "reading dataset %s/%s", workspace, dataset)
	}
	return s.readHistory(dsDir)
}

// readHistory parses the history file; a dataset with no history yet
// yields an empty list.
func (s *FileBackend) readHistory(dsDir string) ([]historyRecord, error) {
	f, err := os.Open(filepath.Join(dsDir, historyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, snapshot.NewIoError(err, "opening history in %s", dsDir)
	}
	defer f.Close()

	var records []historyRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec historyRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, snapshot.NewIoError(err, "corrupt history line %d in %s", len(records), dsDir)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, snapshot.NewIoError(err, "reading history in %s", dsDir)
	}
	return records, nil
}

func (s *FileBackend) appendHistory(dsDir string, rec historyRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return snapshot.NewIoError(err, "encoding history record")
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(dsDir, historyFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return snapshot.NewIoError(err, "opening history in %s", dsDir)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return snapshot.NewIoError(err, "appending history in %s", dsDir)
	}
	if err := f.Sync(); err != nil {
		return snapshot.NewIoError(err, "syncing history in %s", dsDir)
	}
	return nil
}

func nextSeq(history []historyRecord) uint64 {
	if len(history) == 0 {
		return 1
	}
	return history[len(history)-1].Seq + 1
}

func readManifestFile(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, snapshot.NewIoError(err, "reading %s", path)
	}
	return DecodeManifest(b)
}

// writeFileSync creates path, streams content through fill, and fsyncs
// before closing.
func writeFileSync(path string, fill func(io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0666)
	if err != nil {
		return snapshot.NewIoError(err, "creating %s", path)
	}
	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		f.Close()
		return snapshot.NewIoError(err, "writing %s", path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return snapshot.NewIoError(err, "flushing %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return snapshot.NewIoError(err, "syncing %s", path)
	}
	if err := f.Close(); err != nil {
		return snapshot.NewIoError(err, "closing %s", path)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return snapshot.NewIoError(err, "opening dir %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return snapshot.NewIoError(err, "syncing dir %s", dir)
	}
	return nil
}
