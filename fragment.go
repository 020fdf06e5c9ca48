package ingest

import (
	"bytes"
	"io"
	"io/ioutil"
	"mime"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// FragmentMode tells where the data of a fragment lives.
type FragmentMode int

const (
	ModeInline   FragmentMode = iota // kept in memory
	ModeOverflow                     // written to a file under the storage dir
)

func (m FragmentMode) String() string {
	if m == ModeOverflow {
		return "overflow"
	}
	return "inline"
}

// Fragment is one part of a multipart body.
type Fragment struct {
	Header      http.Header
	Name        string
	Filename    string
	ContentType string
	Mode        FragmentMode
	Data        []byte // inline data
	Path        string // overflow file
	Size        int64

	file  *os.File
	final bool
}

// IsFile reports whether the part carried a filename attribute.
func (f *Fragment) IsFile() bool { return f.Filename != "" }

// Final reports whether the fragment has been closed by the following boundary.
func (f *Fragment) Final() bool { return f.final }

// Open returns the fragment data regardless of its mode.
func (f *Fragment) Open() (io.ReadCloser, error) {
	if f.Mode == ModeOverflow {
		return os.Open(f.Path)
	}
	return ioutil.NopCloser(bytes.NewReader(f.Data)), nil
}

// Discard removes the overflow file. The caller owns it once parsing is done.
func (f *Fragment) Discard() error {
	f.closeFile()
	if f.Mode != ModeOverflow || f.Path == "" {
		return nil
	}
	err := os.Remove(f.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *Fragment) write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if f.Mode == ModeOverflow {
		if f.file == nil {
			return &ResourceError{Path: f.Path, Err: os.ErrClosed}
		}
		n, err := f.file.Write(p)
		f.Size += int64(n)
		if err != nil {
			return &ResourceError{Path: f.Path, Err: err}
		}
		return nil
	}
	f.Data = append(f.Data, p...)
	f.Size += int64(len(p))
	return nil
}

func (f *Fragment) finalize() error {
	f.final = true
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	if err != nil {
		return &ResourceError{Path: f.Path, Err: err}
	}
	return nil
}

func (f *Fragment) closeFile() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
}

// parseFragmentHeader builds a fragment from a part's header block, the bytes
// between the boundary line and the blank line.
func parseFragmentHeader(block []byte) (*Fragment, error) {
	f := new(Fragment)
	f.Header = make(http.Header)
	for _, line := range bytes.Split(block, []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			return nil, &ProtocolError{Reason: "malformed part header " + strconv.Quote(string(line))}
		}
		key := string(bytes.TrimSpace(line[:i]))
		value := string(bytes.TrimSpace(line[i+1:]))
		if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, &ProtocolError{Reason: "invalid part header " + strconv.Quote(key)}
		}
		f.Header.Add(textproto.CanonicalMIMEHeaderKey(key), value)
	}

	disposition := f.Header.Get("Content-Disposition")
	if disposition == "" {
		return nil, &ProtocolError{Reason: "part without content-disposition"}
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		// fall back to a lenient attribute scan, browsers emit odd filenames
		params = dispositionParams(disposition)
	}
	f.Name = params["name"]
	f.Filename = params["filename"]
	f.ContentType = f.Header.Get("Content-Type")
	return f, nil
}

func dispositionParams(disposition string) map[string]string {
	params := make(map[string]string)
	for _, attr := range strings.Split(disposition, ";") {
		i := strings.IndexByte(attr, '=')
		if i < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(attr[:i]))
		params[key] = strings.Trim(strings.TrimSpace(attr[i+1:]), `"`)
	}
	return params
}

// Namer produces collision-free overflow file names.
type Namer interface {
	Next() string
}

// processToken keeps names from different runs apart when they share a
// storage directory.
var processToken = strconv.FormatInt(int64(os.Getpid()), 36) + "." +
	strconv.FormatInt(time.Now().UnixNano(), 36)

// overflowSeq is shared by every Namer of the process.
var overflowSeq uint64

// counterNamer combines the process token, a session id and a process-wide
// counter, so two namers never propose the same name.
type counterNamer struct {
	prefix string
}

// NewNamer returns a Namer for the given session id.
func NewNamer(sessionID string) Namer {
	return &counterNamer{prefix: "frag-" + processToken + "-" + sessionID + "-"}
}

func (n *counterNamer) Next() string {
	return n.prefix + strconv.FormatUint(atomic.AddUint64(&overflowSeq, 1), 10)
}

// openOverflow creates dir if missing and opens a new, unique file in it.
func openOverflow(dir string, namer Namer) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil && !os.IsExist(err) {
		return nil, dir, errors.Wrap(err, "create storage dir")
	}
	for i := 0; i < 8; i++ {
		path := filepath.Join(dir, namer.Next())
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return file, path, nil
		}
		if !os.IsExist(err) {
			return nil, path, err
		}
	}
	return nil, dir, errors.Errorf("no free overflow name in %s", dir)
}
