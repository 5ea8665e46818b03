// Package archive opens package archives and iterates their entries. Plain
// tar, tar compressed with gzip, zstd or xz, and RPM cpio payloads are
// recognised by their leading magic bytes.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Format identifies the container detected by Open.
type Format int

const (
	FormatTar Format = iota
	FormatTarGzip
	FormatTarZstd
	FormatTarXz
	FormatRPM
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatTarGzip:
		return "tar+gzip"
	case FormatTarZstd:
		return "tar+zstd"
	case FormatTarXz:
		return "tar+xz"
	case FormatRPM:
		return "rpm"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// EntryType classifies an archive member.
type EntryType int

const (
	TypeRegular EntryType = iota
	TypeDir
	TypeSymlink
	TypeOther
)

// Entry describes one archive member. Path is the raw member name as stored
// in the archive; callers must sanitise it before touching the filesystem.
type Entry struct {
	Path     string
	Type     EntryType
	Mode     os.FileMode
	Size     int64
	Linkname string
}

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicRPM  = []byte{0xed, 0xab, 0xee, 0xdb}
)

const (
	tarBlockSize   = 512
	tarMagicOffset = 257
)

// ErrUnknownFormat is returned when the stream is not a recognised archive.
var ErrUnknownFormat = errors.New("unrecognised archive format")

// entrySource is the per-format iterator behind an Archive.
type entrySource interface {
	next() (*Entry, error)
	io.Reader
}

// Archive is an open archive. Next advances to the following entry; Read
// returns the contents of the current one.
type Archive struct {
	format  Format
	src     entrySource
	closers []io.Closer
}

// Open opens the archive at path and detects its format.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	a, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read archive %s: %w", path, err)
	}
	a.closers = append(a.closers, f)
	return a, nil
}

// NewReader detects the format of r and prepares entry iteration. Closing
// the returned Archive does not close r.
func NewReader(r io.Reader) (*Archive, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(magicXz))

	if bytes.HasPrefix(head, magicRPM) {
		src, err := newRPMSource(br)
		if err != nil {
			return nil, err
		}
		return &Archive{format: FormatRPM, src: src}, nil
	}

	format := FormatTar
	switch {
	case bytes.HasPrefix(head, magicGzip):
		format = FormatTarGzip
	case bytes.HasPrefix(head, magicZstd):
		format = FormatTarZstd
	case bytes.HasPrefix(head, magicXz):
		format = FormatTarXz
	}

	var (
		body    io.Reader = br
		closers []io.Closer
	)
	if format != FormatTar {
		dr, err := newDecompressor(format, br)
		if err != nil {
			return nil, err
		}
		body = dr
		closers = append(closers, dr)
	}

	tr, err := newTarSource(body)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	return &Archive{format: format, src: tr, closers: closers}, nil
}

// Format returns the detected container format.
func (a *Archive) Format() Format { return a.format }

// Next returns the next entry, or io.EOF after the last one.
func (a *Archive) Next() (*Entry, error) {
	return a.src.next()
}

// Read reads the contents of the current entry.
func (a *Archive) Read(p []byte) (int, error) {
	return a.src.Read(p)
}

// Close releases the decompressor and underlying file, if any.
func (a *Archive) Close() error {
	return closeAll(a.closers)
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type tarSource struct {
	tr *tar.Reader
}

func newTarSource(r io.Reader) (*tarSource, error) {
	br := bufio.NewReaderSize(r, 2*tarBlockSize)
	block, err := br.Peek(tarBlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: short tar header: %v", ErrUnknownFormat, err)
	}
	if !isTarHeader(block) {
		return nil, ErrUnknownFormat
	}
	return &tarSource{tr: tar.NewReader(br)}, nil
}

// isTarHeader accepts a ustar/gnu header block or the all-zero end-of-archive
// block of an empty tar.
func isTarHeader(block []byte) bool {
	if bytes.HasPrefix(block[tarMagicOffset:], []byte("ustar")) {
		return true
	}
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}

func (s *tarSource) next() (*Entry, error) {
	hdr, err := s.tr.Next()
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Path:     hdr.Name,
		Mode:     os.FileMode(hdr.Mode).Perm(),
		Size:     hdr.Size,
		Linkname: hdr.Linkname,
	}
	switch hdr.Typeflag {
	case tar.TypeReg:
		e.Type = TypeRegular
	case tar.TypeDir:
		e.Type = TypeDir
	case tar.TypeSymlink:
		e.Type = TypeSymlink
	default:
		e.Type = TypeOther
	}
	return e, nil
}

func (s *tarSource) Read(p []byte) (int, error) {
	return s.tr.Read(p)
}
