// Package upload delivers capture and metadata files to the remote
// collection endpoint exactly once, deleting each file only after the
// remote confirms it holds identical content.
package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"BoxCap/BoxCap-Go-Agent/internal/logger"
	"BoxCap/BoxCap-Go-Agent/internal/metadata"
	"BoxCap/BoxCap-Go-Agent/internal/pcapfile"
	"BoxCap/BoxCap-Go-Agent/internal/version"
)

// contentType is the media type of uploaded capture files.
const contentType = "application/vnd.tcpdump.pcap"

// ErrRemoteTerminated signals that the collection endpoint revoked
// this installation. It is an instruction, not a failure: the caller
// must disable the agent.
var ErrRemoteTerminated = errors.New("upload: remote revoked this installation")

// MetadataProvider manufactures the current metadata descriptor when a
// sync run finds captures but no descriptor to describe them.
type MetadataProvider interface {
	Ensure() (string, error)
}

// Config collects the collection-endpoint settings.
type Config struct {
	// Endpoint is the collection service base URL.
	Endpoint string
	// Email identifies the account uploads belong to.
	Email string
	// PublicKey is the installation's upload identity key.
	PublicKey string
	// UUID identifies this installation.
	UUID string
	// Dir is the working directory to synchronize.
	Dir string
}

// Synchronizer walks the working directory and uploads every file with
// a check-before/check-after idempotence protocol.
type Synchronizer struct {
	cfg     Config
	client  *http.Client
	meta    MetadataProvider
	syncing atomic.Bool
	log     *logger.Logger
}

// NewSynchronizer creates a synchronizer. meta may be nil when the
// agent has no device list to describe.
func NewSynchronizer(cfg Config, meta MetadataProvider) *Synchronizer {
	return &Synchronizer{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Minute},
		meta:   meta,
		log:    logger.GetLogger(),
	}
}

// Sync performs one synchronization run: metadata descriptors first,
// then capture files in directory order. A run already in progress
// makes Sync return immediately. Individual file failures are logged
// and retried on the next run; only a failure to manufacture a missing
// descriptor or a remote revocation aborts the run.
func (s *Synchronizer) Sync(ctx context.Context) error {
	if !s.syncing.CompareAndSwap(false, true) {
		s.log.Debug("Sync already in progress, skipping")
		return nil
	}
	defer s.syncing.Store(false)

	metas, captures, pendingBytes, err := s.scan()
	if err != nil {
		return err
	}
	if pendingBytes == 0 {
		return nil
	}
	s.log.Info("Sync run: %d capture files (%d bytes), %d descriptors", len(captures), pendingBytes, len(metas))

	if len(metas) == 0 {
		if s.meta == nil {
			return fmt.Errorf("no metadata descriptor present and none can be produced")
		}
		path, err := s.meta.Ensure()
		if err != nil {
			return fmt.Errorf("manufacturing metadata descriptor: %w", err)
		}
		metas = []string{filepath.Base(path)}
	}

	for _, name := range append(metas, captures...) {
		if err := s.uploadFile(ctx, name); err != nil {
			if errors.Is(err, ErrRemoteTerminated) {
				return err
			}
			s.log.Warn("Upload of %s failed, keeping file for next run: %v", name, err)
		}
	}
	return nil
}

// scan lists the working directory, returning descriptor and capture
// filenames in ascending order plus the total pending capture bytes.
func (s *Synchronizer) scan() (metas, captures []string, pendingBytes int64, err error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, 0, nil
		}
		return nil, nil, 0, fmt.Errorf("listing working directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch {
		case metadata.IsMetaFile(e.Name()):
			metas = append(metas, e.Name())
		case strings.HasSuffix(e.Name(), pcapfile.Extension):
			info, err := e.Info()
			if err != nil {
				continue
			}
			captures = append(captures, e.Name())
			pendingBytes += info.Size()
		}
	}
	sort.Strings(metas)
	sort.Strings(captures)
	return metas, captures, pendingBytes, nil
}

// uploadFile delivers one file. The remote's answer to a GET on the
// file URL is the authority on delivery: a body equal to the file's
// hex MD5 means the content is durably stored, at which point the
// local copy is deleted.
func (s *Synchronizer) uploadFile(ctx context.Context, name string) error {
	path := filepath.Join(s.cfg.Dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	sum := md5.Sum(data)
	wantHash := hex.EncodeToString(sum[:])
	fileURL := s.fileURL(name)

	// Check before send: an earlier run may have uploaded this file
	// and crashed before deleting it.
	present, err := s.checkRemote(ctx, fileURL, wantHash)
	if err != nil {
		return err
	}
	if present {
		s.log.Debug("%s already present remotely, deleting local copy", name)
		return os.Remove(path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fileURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "boxcap-agent/"+version.Version)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("uploading %s: status %d", name, resp.StatusCode)
	}

	// Check after send: only a matching hash proves durable delivery.
	present, err = s.checkRemote(ctx, fileURL, wantHash)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("post-upload check for %s did not confirm hash %s", name, wantHash)
	}
	s.log.Info("Uploaded %s (%d bytes)", name, len(data))
	return os.Remove(path)
}

// terminateCommand is the remote's revocation signal.
type terminateCommand struct {
	Command string `json:"command"`
}

// checkRemote asks the endpoint whether it already holds content with
// the given hash. It also carries the remote's revocation channel: a
// JSON body commanding "terminate" surfaces as ErrRemoteTerminated.
func (s *Synchronizer) checkRemote(ctx context.Context, fileURL, wantHash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", "boxcap-agent/"+version.Version)
	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("remote check: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false, fmt.Errorf("remote check: %w", err)
	}

	var cmd terminateCommand
	if json.Unmarshal(body, &cmd) == nil && cmd.Command == "terminate" {
		return false, ErrRemoteTerminated
	}
	return resp.StatusCode == http.StatusOK && strings.TrimSpace(string(body)) == wantHash, nil
}

func (s *Synchronizer) fileURL(name string) string {
	return fmt.Sprintf("%s/api/v1/upload/%s/%s?key=%s&uuid=%s",
		strings.TrimSuffix(s.cfg.Endpoint, "/"),
		url.PathEscape(s.cfg.Email),
		url.PathEscape(name),
		url.QueryEscape(s.cfg.PublicKey),
		url.QueryEscape(s.cfg.UUID))
}
