package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/peter-fm/snapbase-sub001/os/temp"
	"github.com/peter-fm/snapbase-sub001/snapshot"
)

const DefaultHttpTries = 7 // ~2min total of trying with exponential backoff (0 and 1 both mean 1 try total)

const archiveContentType = "application/x-tar"

func MakePesterClient() *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = DefaultHttpTries
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying after failed attempt: %+v", e)
	}
	return client
}

// Client is the request surface an HTTPBackend needs, satisfied by both
// *pester.Client and *http.Client.
type Client interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

// HTTPBackend talks to a snapshot store server. Uploads travel as tar
// archives with the row payload last; the server assigns seq and id.
type HTTPBackend struct {
	rootURI string
	client  Client
}

func MakeHTTPBackend(rootURI string) *HTTPBackend {
	return MakeCustomHTTPBackend(rootURI, MakePesterClient())
}

func MakeCustomHTTPBackend(rootURI string, client Client) *HTTPBackend {
	if !strings.HasSuffix(rootURI, "/") {
		rootURI = rootURI + "/"
	}
	log.Infof("Making new HTTPBackend with root URI: %s", rootURI)
	return &HTTPBackend{rootURI: rootURI, client: client}
}

func (s *HTTPBackend) Root() string {
	return s.rootURI
}

func (s *HTTPBackend) datasetURI(workspace, dataset string, parts ...string) string {
	segments := append([]string{
		"api", "v1", "workspaces", url.PathEscape(workspace), "datasets", url.PathEscape(dataset),
	}, parts...)
	return s.rootURI + strings.Join(segments, "/")
}

func (s *HTTPBackend) PutSnapshot(ctx context.Context, workspace, dataset string, put *Put) (snapshot.Meta, error) {
	var none snapshot.Meta
	if err := ValidateName("workspace", workspace); err != nil {
		return none, err
	}
	if err := ValidateName("dataset", dataset); err != nil {
		return none, err
	}
	if put.Index == nil || put.Rows == nil {
		return none, snapshot.NewIoError(nil, "put for %s/%s is missing artifacts", workspace, dataset)
	}

	// Tar headers need the row payload size up front, so spool the
	// stream to disk first.
	tmp, err := temp.TempDirDefault()
	if err != nil {
		return none, snapshot.NewIoError(err, "creating spool dir")
	}
	defer tmp.Remove()
	rowsFile, size, err := spoolRows(tmp, put.Rows)
	if err != nil {
		return none, err
	}
	defer rowsFile.Close()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteArchive(pw, Manifest{Meta: put.Meta, Columns: put.Columns}, put.Index, rowsFile, size))
	}()

	uri := s.datasetURI(workspace, dataset, "snapshots")
	req, err := http.NewRequestWithContext(ctx, "POST", uri, pr)
	if err != nil {
		return none, snapshot.NewIoError(err, "building upload request")
	}
	req.Header.Set("Content-Type", archiveContentType)
	log.Infof("Uploading snapshot for %s/%s to %s", workspace, dataset, uri)

	resp, err := s.client.Do(req)
	if err != nil {
		return none, snapshot.NewIoError(err, "uploading snapshot to %s", uri)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, uri); err != nil {
		return none, err
	}

	var meta snapshot.Meta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return none, snapshot.NewIoError(err, "decoding upload response from %s", uri)
	}
	return meta, nil
}

func (s *HTTPBackend) GetSnapshot(ctx context.Context, workspace, dataset string, id snapshot.ID) (*snapshot.Snapshot, error) {
	uri := s.datasetURI(workspace, dataset, "snapshots", string(id))
	resp, err := s.get(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	a, err := ReadArchive(resp.Body)
	if err != nil {
		return nil, err
	}
	return &snapshot.Snapshot{
		Meta:    a.Manifest.Meta,
		Columns: a.Manifest.Columns,
		Index:   a.Index,
	}, nil
}

func (s *HTTPBackend) ListSnapshots(ctx context.Context, workspace, dataset string) ([]snapshot.Meta, error) {
	uri := s.datasetURI(workspace, dataset, "snapshots")
	resp, err := s.get(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var metas []snapshot.Meta
	if err := json.NewDecoder(resp.Body).Decode(&metas); err != nil {
		return nil, snapshot.NewIoError(err, "decoding snapshot list from %s", uri)
	}
	return metas, nil
}

func (s *HTTPBackend) Exists(ctx context.Context, workspace, dataset string, id snapshot.ID) (bool, error) {
	uri := s.datasetURI(workspace, dataset, "snapshots", string(id))
	req, err := http.NewRequestWithContext(ctx, "HEAD", uri, nil)
	if err != nil {
		return false, snapshot.NewIoError(err, "building exist request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, snapshot.NewIoError(err, "checking %s", uri)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, snapshot.NewIoError(nil, "exist check %s: %s", uri, resp.Status)
}

func (s *HTTPBackend) OpenRows(ctx context.Context, workspace, dataset string, id snapshot.ID) (io.ReadCloser, error) {
	uri := s.datasetURI(workspace, dataset, "snapshots", string(id), "rows")
	resp, err := s.get(ctx, uri)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *HTTPBackend) ListDatasets(ctx context.Context, workspace string) ([]DatasetInfo, error) {
	uri := s.rootURI + "api/v1/workspaces/" + url.PathEscape(workspace) + "/datasets"
	resp, err := s.get(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var infos []DatasetInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, snapshot.NewIoError(err, "decoding dataset list from %s", uri)
	}
	return infos, nil
}

// get issues a GET and hands back the response with a 2xx status;
// non-2xx statuses are drained and mapped to typed errors.
func (s *HTTPBackend) get(ctx context.Context, uri string) (*http.Response, error) {
	log.Debugf("Reading %s", uri)
	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return nil, snapshot.NewIoError(err, "building request for %s", uri)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, snapshot.NewIoError(err, "reading %s", uri)
	}
	if err := checkStatus(resp, uri); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// checkStatus maps server failure statuses onto the store error
// taxonomy. The body is left to the caller.
func checkStatus(resp *http.Response, uri string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	detail := strings.TrimSpace(readErrorBody(resp))
	if detail == "" {
		detail = resp.Status
	}
	log.Errorf("Response status error: %s %s", uri, resp.Status)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return snapshot.NewNotFoundError("%s", detail)
	case http.StatusConflict:
		return snapshot.NewConflictError("%s", detail)
	case http.StatusBadRequest:
		return snapshot.NewInvalidReferenceError("%s", detail)
	}
	return snapshot.NewIoError(fmt.Errorf("%s", detail), "request to %s failed", uri)
}

func readErrorBody(resp *http.Response) string {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return ""
	}
	return string(b)
}

// spoolRows copies the row stream to a temp file and rewinds it.
func spoolRows(tmp *temp.TempDir, rows io.Reader) (*os.File, int64, error) {
	f, err := tmp.TempFile("rows-")
	if err != nil {
		return nil, 0, snapshot.NewIoError(err, "creating row spool")
	}
	size, err := io.Copy(f, rows)
	if err != nil {
		f.Close()
		return nil, 0, snapshot.NewIoError(err, "spooling rows")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, snapshot.NewIoError(err, "rewinding row spool")
	}
	return f, size, nil
}
