package store

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/mjl-/spoold/message"
	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/spoolio"
)

// bodyHandle is the stored form of a record body: the header, and the content
// either inline or as a reference to a blob file.
type bodyHandle struct {
	Header   []byte
	Inline   []byte // Content if External is empty.
	External string // Path of blob file relative to the blob directory.
	Size     int64  // Of content.
	Digest   []byte // Blake2b-256 of content. Nil for records without content.
}

// bodyCodec writes and reads record bodies.
type bodyCodec struct {
	blobDir   string
	maxInline int64 // -1 for always external.
}

var errDigest = errors.New("content digest mismatch")

// blobName returns the path for the content of a record, relative to the blob
// directory. It is derived from the partition and key, and the digest of the
// content, so a changed body gets a new file and the previous file remains
// valid until the updated record is committed.
func blobName(partition, key string, digest []byte) string {
	h := blake2b.Sum256([]byte(partition + "\x00" + key))
	name := hex.EncodeToString(h[:16])
	return filepath.Join(name[:2], name+"-"+hex.EncodeToString(digest[:6]))
}

// writeBody normalizes header and content to CRLF line endings, and writes
// content larger than the inline limit to a blob file. The file and its
// directory are synced when writeBody returns. On error, no new file remains.
func (c bodyCodec) writeBody(log mlog.Log, partition, key string, header, content []byte) (bodyHandle, error) {
	header = message.NormalizeCRLF(header)
	content = message.NormalizeCRLF(content)
	sum := blake2b.Sum256(content)
	h := bodyHandle{
		Header: header,
		Size:   int64(len(content)),
		Digest: sum[:],
	}
	if c.maxInline >= 0 && h.Size <= c.maxInline {
		h.Inline = content
		return h, nil
	}

	h.External = blobName(partition, key, h.Digest)
	p := filepath.Join(c.blobDir, h.External)
	if err := spoolio.WriteFileSync(log, p, bytes.NewReader(content)); err != nil {
		return bodyHandle{}, fmt.Errorf("%w: writing content blob: %w", ErrPersistence, err)
	}
	metricBlobBytes.Add(float64(h.Size))
	return h, nil
}

// readBody returns the header and content. A missing blob or a content digest
// mismatch results in an error matching ErrCodec via the caller's CodecError, other
// read errors are ErrPersistence.
func (c bodyCodec) readBody(h bodyHandle) (header, content []byte, err error) {
	content = h.Inline
	if h.External != "" {
		content, err = os.ReadFile(filepath.Join(c.blobDir, h.External))
		if err != nil && errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("content blob %s: %w", h.External, err)
		} else if err != nil {
			return nil, nil, fmt.Errorf("%w: reading content blob: %w", ErrPersistence, err)
		}
	}
	if h.Digest != nil {
		sum := blake2b.Sum256(content)
		if !bytes.Equal(sum[:], h.Digest) {
			return nil, nil, errDigest
		}
	}
	return h.Header, content, nil
}

// removeBlob removes a blob file, logging errors. Missing files are ignored.
func (c bodyCodec) removeBlob(log mlog.Log, name string) {
	if name == "" {
		return
	}
	p := filepath.Join(c.blobDir, name)
	err := os.Remove(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Errorx("removing content blob", err, slog.String("path", p))
	}
}

// listBlobs returns the relative paths of all blob files.
func (c bodyCodec) listBlobs() ([]string, error) {
	var l []string
	err := filepath.WalkDir(c.blobDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == c.blobDir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(c.blobDir, p)
		if err != nil {
			return err
		}
		l = append(l, rel)
		return nil
	})
	return l, err
}
