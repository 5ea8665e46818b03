package archive

import (
	"fmt"
	"io"
	"os"
	"strings"

	rpmutils "github.com/sassoftware/go-rpmutils"
)

// cpio file type bits as stored in RPM headers.
const (
	cpioTypeMask    = 0170000
	cpioTypeReg     = 0100000
	cpioTypeDir     = 0040000
	cpioTypeSymlink = 0120000
)

type rpmSource struct {
	payload rpmutils.PayloadReader
}

func newRPMSource(r io.Reader) (*rpmSource, error) {
	pkg, err := rpmutils.ReadRpm(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read rpm header: %w", err)
	}
	payload, err := pkg.PayloadReaderExtended()
	if err != nil {
		return nil, fmt.Errorf("failed to open rpm payload: %w", err)
	}
	return &rpmSource{payload: payload}, nil
}

func (s *rpmSource) next() (*Entry, error) {
	fi, err := s.payload.Next()
	if err != nil {
		return nil, err
	}
	mode := fi.Mode()
	e := &Entry{
		// RPM members are rooted at the install prefix
		Path:     strings.TrimLeft(strings.TrimPrefix(fi.Name(), "./"), "/"),
		Mode:     os.FileMode(mode).Perm(),
		Size:     fi.Size(),
		Linkname: fi.Linkname(),
	}
	switch mode & cpioTypeMask {
	case cpioTypeReg:
		e.Type = TypeRegular
		if s.payload.IsLink() {
			// hardlink without its own data
			e.Type = TypeOther
		}
	case cpioTypeDir:
		e.Type = TypeDir
	case cpioTypeSymlink:
		e.Type = TypeSymlink
	default:
		e.Type = TypeOther
	}
	return e, nil
}

func (s *rpmSource) Read(p []byte) (int, error) {
	return s.payload.Read(p)
}
