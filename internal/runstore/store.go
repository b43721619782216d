// Package runstore persists the durable record of a run: an append-only
// event journal plus a content-addressed artifact store. The journal is a
// stream of msgpack frames so it can be appended crash-safely and replayed
// without loading the whole file; artifacts are deduplicated by blake3
// digest.
package runstore

import (
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

const (
	journalName  = "events.msgpack"
	artifactsDir = "artifacts"
)

// Event is one journal frame. Seq is assigned by the store and increases by
// one per append, giving each run a linear history.
type Event struct {
	Seq    uint64         `msgpack:"seq"`
	TimeMS uint64         `msgpack:"time_ms"`
	Type   string         `msgpack:"type"`
	Data   map[string]any `msgpack:"data"`
}

// Artifact describes one stored blob.
type Artifact struct {
	Name        string `msgpack:"name"`
	ContentHash string `msgpack:"content_hash"`
	Mime        string `msgpack:"mime"`
	BytesLen    uint64 `msgpack:"bytes_len"`
}

// Store owns one run's journal and artifact directory. Appends are
// serialized to keep the sequence linear.
type Store struct {
	dir string

	mu   sync.Mutex
	f    *os.File
	enc  *msgpack.Encoder
	next uint64
}

// Open creates (or reopens for append) the run store rooted at dir. On
// reopen the sequence continues from the last journal frame.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, journalName)

	next := uint64(0)
	if existing, err := ReadEvents(dir); err == nil && len(existing) > 0 {
		next = existing[len(existing)-1].Seq + 1
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, f: f, enc: msgpack.NewEncoder(f), next: next}, nil
}

// Append writes one event frame and returns its sequence number.
func (s *Store) Append(typ string, data map[string]any) (uint64, error) {
	if data == nil {
		data = map[string]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{
		Seq:    s.next,
		TimeMS: uint64(time.Now().UTC().UnixMilli()),
		Type:   typ,
		Data:   data,
	}
	if err := s.enc.Encode(ev); err != nil {
		return 0, err
	}
	if err := s.f.Sync(); err != nil {
		return 0, err
	}
	s.next++
	return ev.Seq, nil
}

// PutArtifact stores content under its blake3 digest and journals an
// artifact event carrying the logical name. Identical content is written
// once no matter how many names point at it.
func (s *Store) PutArtifact(name string, content []byte) (Artifact, error) {
	sum := blake3.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	blobPath := filepath.Join(s.dir, artifactsDir, hash)

	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		tmp := blobPath + ".tmp"
		if err := os.WriteFile(tmp, content, 0o644); err != nil {
			return Artifact{}, err
		}
		if err := os.Rename(tmp, blobPath); err != nil {
			return Artifact{}, err
		}
	}

	art := Artifact{
		Name:        name,
		ContentHash: hash,
		Mime:        mimeForName(name),
		BytesLen:    uint64(len(content)),
	}
	_, err := s.Append("artifact", map[string]any{
		"name":         art.Name,
		"content_hash": art.ContentHash,
		"mime":         art.Mime,
		"bytes_len":    art.BytesLen,
	})
	if err != nil {
		return Artifact{}, err
	}
	return art, nil
}

// ArtifactPath returns the blob path for a content hash; the file may not
// exist if the hash was never stored.
func (s *Store) ArtifactPath(contentHash string) string {
	return filepath.Join(s.dir, artifactsDir, contentHash)
}

// ReadArtifact loads a stored blob by content hash and verifies the digest.
func (s *Store) ReadArtifact(contentHash string) ([]byte, error) {
	b, err := os.ReadFile(s.ArtifactPath(contentHash))
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(b)
	if hex.EncodeToString(sum[:]) != contentHash {
		return nil, fmt.Errorf("artifact %s is corrupt", contentHash)
	}
	return b, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ArtifactCheck is the verification outcome for one journaled artifact.
type ArtifactCheck struct {
	Name        string
	ContentHash string
	BytesLen    uint64
	Err         error
}

// VerifyArtifacts replays a run's journal and re-reads every artifact blob,
// checking each content digest. It reports per-artifact outcomes; only a
// journal that cannot be read at all is a hard error.
func VerifyArtifacts(dir string) ([]ArtifactCheck, error) {
	events, err := ReadEvents(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir}
	var checks []ArtifactCheck
	for _, ev := range events {
		if ev.Type != "artifact" {
			continue
		}
		check := ArtifactCheck{}
		if name, ok := ev.Data["name"].(string); ok {
			check.Name = name
		}
		if hash, ok := ev.Data["content_hash"].(string); ok {
			check.ContentHash = hash
		}
		b, err := s.ReadArtifact(check.ContentHash)
		if err != nil {
			check.Err = err
		} else {
			check.BytesLen = uint64(len(b))
		}
		checks = append(checks, check)
	}
	return checks, nil
}

// ReadEvents replays the whole journal for a run directory.
func ReadEvents(dir string) ([]Event, error) {
	f, err := os.Open(filepath.Join(dir, journalName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	dec := msgpack.NewDecoder(f)
	var out []Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				return out, nil
			}
			// A torn final frame from a crash is tolerated; everything
			// decoded so far is valid.
			return out, nil
		}
		out = append(out, ev)
	}
}

func mimeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if m := mime.TypeByExtension(ext); m != "" {
		return m
	}
	switch ext {
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".ndjson":
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}
