// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Package snapshot implements the pack/unpack and chunked push/pull
// transfer protocols described in spec.md §4.6: copying a node's
// backing resource between peers as a tar.gz archive, coordinated by
// a read lock on the source node and a read lock on a synthetic
// "<node_key>_tar" key that reference-counts in-flight transfers
// sharing one archive.
package snapshot

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/corenode"
	"github.com/noodle-run/noodle/modcache"
)

// tarEpoch normalizes every archive member's modification time so
// that repeated packs of unchanged content produce byte-identical
// archives.
var tarEpoch = time.Unix(0, 0).UTC()

// ChunkSize is the canonical chunk size for both push and pull,
// fixing the REDESIGN FLAG in spec.md §9 that left it ambiguous
// between directions.
const ChunkSize = 1 << 20 // 1 MiB

// Manager coordinates snapshot packing/unpacking against a resource
// tree and a lock table, tracking the reference count of in-flight
// transfers per archive under a mutex -- the Go equivalent of the
// "under a mutex create if absent" pack-cache discipline spec.md §4.6
// describes.
type Manager struct {
	tempRoot string
	tree     corenode.Tree
	cache    *modcache.Cache
	locks    corenode.LockTable
	log      *logrus.Logger

	mu       sync.Mutex
	inFlight map[string]*archiveState // key: cache path
}

type archiveState struct {
	mu       sync.Mutex
	built    bool
	buildErr error
	size     int64
	refs     int
	pending  []pendingLock
}

// pendingLock records one Pack call's lock pair awaiting release by a
// matching FinishServe, in the order acquired.
type pendingLock struct {
	nodeLockID string
	tarLockID  string
}

// NewManager builds a Manager rooted at tempRoot, which holds
// push_cache/ and pull_cache/ subdirectories for in-flight archives.
func NewManager(tempRoot string, tree corenode.Tree, cache *modcache.Cache, locks corenode.LockTable, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		tempRoot: tempRoot,
		tree:     tree,
		cache:    cache,
		locks:    locks,
		log:      log,
		inFlight: make(map[string]*archiveState),
	}
}

func (m *Manager) pushCachePath(nodeKey string) string {
	return filepath.Join(m.tempRoot, "push_cache", corenode.FlatKey(nodeKey)+".tar.gz")
}

func (m *Manager) pullCachePath(nodeKey string) string {
	return filepath.Join(m.tempRoot, "pull_cache", corenode.FlatKey(nodeKey)+".tar.gz")
}

// Pack ensures an archive for nodeKey's backing resource exists at
// archivePath (building it via the node's template Pack hook if
// absent), takes a read lock on the node and on its tar-lock key, and
// returns the archive's byte size as reported by os.Stat -- per the
// REDESIGN FLAG requiring file_size to always be the packed archive's
// actual size.
func (m *Manager) Pack(nodeKey, archivePath string) (size int64, nodeLockID, tarLockID string, err error) {
	rec, _, err := m.tree.LoadRecord(nodeKey, false)
	if err != nil {
		return 0, "", "", err
	}
	if rec == nil {
		return 0, "", "", corenode.ErrNoSuchNode{NodeKey: nodeKey}
	}
	if rec.IsResourceSet() {
		return 0, "", "", corenode.ErrResourceSet{NodeKey: nodeKey}
	}
	tmpl, err := m.cache.ResolveTemplate(rec.TemplateName)
	if err != nil {
		return 0, "", "", err
	}

	if err := m.buildOnce(archivePath, func() error {
		if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
			return err
		}
		_, err := tmpl.Pack(nodeKey, archivePath)
		return err
	}); err != nil {
		return 0, "", "", err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, "", "", err
	}
	m.log.WithFields(logrus.Fields{"node_key": nodeKey, "size": humanize.Bytes(uint64(info.Size()))}).Info("packed snapshot archive")

	nodeLockID, err = m.locks.Acquire(nodeKey, corenode.ReadLock, corenode.LevelLocal, 0, 0)
	if err != nil {
		return 0, "", "", err
	}
	tarLockID, err = m.locks.Acquire(corenode.TarLockKey(nodeKey), corenode.ReadLock, corenode.LevelLocal, 0, 0)
	if err != nil {
		_ = m.locks.Release(nodeLockID)
		return 0, "", "", err
	}

	m.mu.Lock()
	st := m.inFlight[archivePath]
	if st == nil {
		st = &archiveState{built: true, size: info.Size()}
		m.inFlight[archivePath] = st
	}
	st.refs++
	st.pending = append(st.pending, pendingLock{nodeLockID: nodeLockID, tarLockID: tarLockID})
	m.mu.Unlock()

	return info.Size(), nodeLockID, tarLockID, nil
}

// buildOnce runs build exactly once per archivePath across
// concurrent callers, memoizing success/failure -- the "under a
// mutex create if absent" discipline from spec.md §4.6.
func (m *Manager) buildOnce(archivePath string, build func() error) error {
	m.mu.Lock()
	st, present := m.inFlight[archivePath]
	if !present {
		st = &archiveState{}
		m.inFlight[archivePath] = st
	}
	m.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.built {
		return st.buildErr
	}
	if _, err := os.Stat(archivePath); err == nil {
		st.built = true
		return nil
	}
	st.buildErr = build()
	st.built = true
	return st.buildErr
}

// ReleaseTransfer drops one reference on archivePath's in-flight
// state, releasing the node and tar locks; when the reference count
// reaches zero it deletes the archive, per spec.md §4.6's
// reference-counted cleanup.
func (m *Manager) ReleaseTransfer(archivePath, nodeLockID, tarLockID string) error {
	if err := m.locks.Release(nodeLockID); err != nil {
		return err
	}

	m.mu.Lock()
	st := m.inFlight[archivePath]
	last := false
	if st != nil {
		st.refs--
		last = st.refs <= 0
		if last {
			delete(m.inFlight, archivePath)
		}
	}
	m.mu.Unlock()

	if err := m.locks.Release(tarLockID); err != nil {
		return err
	}
	if last {
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// TempRoot returns the scratch directory this Manager was built
// with, for callers building their own Client against the same
// filesystem.
func (m *Manager) TempRoot() string {
	return m.tempRoot
}

// PackingCachePath returns the local cache path used when serving a
// remote peer's pull of nodeKey, via PrepareServe/FinishServe.
func (m *Manager) PackingCachePath(nodeKey string) string {
	return m.pullCachePath(nodeKey)
}

// PushReceivePath returns the scratch path used to assemble an
// inbound push's chunks for targetNodeKey before it is unpacked.
func (m *Manager) PushReceivePath(targetNodeKey string) string {
	return filepath.Join(m.tempRoot, "push_recv", corenode.FlatKey(targetNodeKey)+".tar.gz")
}

// PrepareServe builds (or reuses) the archive for nodeKey at its
// packing cache path and acquires the locks a matching FinishServe
// call releases once a peer has read every chunk, for the
// POST /node/packing + GET /node/push_to serving path.
func (m *Manager) PrepareServe(nodeKey string) (size int64, err error) {
	size, _, _, err = m.Pack(nodeKey, m.pullCachePath(nodeKey))
	return size, err
}

// FinishServe releases the most recently acquired PrepareServe lock
// pair for nodeKey, deleting the cached archive once every in-flight
// reader has finished.
func (m *Manager) FinishServe(nodeKey string) error {
	archivePath := m.pullCachePath(nodeKey)

	m.mu.Lock()
	st := m.inFlight[archivePath]
	var locks pendingLock
	found := false
	if st != nil && len(st.pending) > 0 {
		locks = st.pending[len(st.pending)-1]
		st.pending = st.pending[:len(st.pending)-1]
		found = true
	}
	m.mu.Unlock()
	if !found {
		return nil
	}

	return m.ReleaseTransfer(archivePath, locks.nodeLockID, locks.tarLockID)
}

// ReadChunk returns the bytes at [chunkIndex*chunkSize,
// (chunkIndex+1)*chunkSize) of the file at path, and whether this is
// the final chunk.
func ReadChunk(path string, chunkIndex int, chunkSize int) (data []byte, isLast bool, err error) {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}

	offset := int64(chunkIndex) * int64(chunkSize)
	if offset >= info.Size() {
		return nil, true, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, false, err
	}

	buf := make([]byte, chunkSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, false, err
	}
	buf = buf[:n]
	isLast = offset+int64(n) >= info.Size()
	return buf, isLast, nil
}

// WriteChunk appends (or overwrites, by seek) a received chunk at
// chunkIndex*chunkSize within the file at path, creating it if
// necessary.
func WriteChunk(path string, chunkIndex int, chunkSize int, data []byte) error {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	offset := int64(chunkIndex) * int64(chunkSize)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// BuildArchive tars and gzips every regular file under srcDir into
// destPath, normalizing modification times to the Unix epoch so that
// repeated packs of unchanged content are byte-identical -- the
// "round-trip snapshot law" testable property from spec.md §8 depends
// on this normalization.
func BuildArchive(srcDir, destPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.ModTime = tarEpoch
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return 0, err
	}
	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	info, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ExtractArchive reverses BuildArchive, installing srcPath's contents
// under destDir.
func ExtractArchive(srcPath, destDir string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, hdr.Name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}

