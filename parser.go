package ingest

import (
	"context"
	"log"
	"mime"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultChunkSize = 64 * 1024
	maxHeaderBlock   = 16 * 1024
	emptyReadBackoff = time.Millisecond
)

const (
	modeNone = iota
	modeURLEncoded
	modeMultipart
)

// Parser turns a body bounded by a declared length into parameters and
// multipart fragments. A Parser holds no per-parse state and may be shared.
type Parser struct {
	ChunkSize   int           // read size, 64 KiB when zero
	IdleTimeout time.Duration // sliding idle window, none when zero
	Namer       Namer         // overflow file names
	Yield       func()        // called between chunk reads, runtime.Gosched when nil
	Logger      *log.Logger
}

var (
	defaultNamer  = NewNamer("0")
	defaultParser = &Parser{Namer: defaultNamer}
)

// Parse parses a body with the default parser.
func Parse(src Source, declaredLength int64, contentType, storageDir string) (*ParameterTable, []*Fragment, error) {
	return defaultParser.Parse(context.Background(), src, declaredLength, contentType, storageDir)
}

// Parse reads at most declaredLength bytes from src. On error, the parameters
// and the fragments classified so far are still returned.
func (p *Parser) Parse(ctx context.Context, src Source, declaredLength int64, contentType, storageDir string) (*ParameterTable, []*Fragment, error) {
	params := NewParameterTable()
	mode, boundary := selectMode(declaredLength, contentType)
	if mode == modeNone {
		return params, nil, nil
	}
	if src == nil {
		return params, nil, ErrSourceEmpty
	}

	s := p.newState(ctx, src, declaredLength, storageDir)
	s.params = params
	defer s.window.Release()

	var err error
	if mode == modeMultipart {
		err = s.multipart(boundary)
	} else {
		err = s.urlEncoded()
	}
	if err != nil && p.Logger != nil {
		p.Logger.Printf("parse body: consumed %d of %d bytes: %v", s.consumed, declaredLength, err)
	}
	return params, s.fragments, err
}

// selectMode inspects the content type for a multipart boundary.
func selectMode(declaredLength int64, contentType string) (mode int, boundary string) {
	if declaredLength <= 0 {
		return modeNone, ""
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
		params = dispositionParams(contentType)
	}
	if b, ok := params["boundary"]; ok || strings.HasPrefix(mediaType, "multipart/") {
		if b == "" {
			// no usable boundary, the body is skipped rather than rejected
			return modeNone, ""
		}
		return modeMultipart, b
	}
	return modeURLEncoded, ""
}

// parseState is scoped to one Parse call.
type parseState struct {
	ctx        context.Context
	src        Source
	deadliner  deadliner
	chunk      []byte
	idle       time.Duration
	deadline   time.Time
	declared   int64
	consumed   int64
	eof        bool
	window     *ByteWindow
	storageDir string
	namer      Namer
	yield      func()

	params    *ParameterTable
	fragments []*Fragment
	current   *Fragment
}

func (p *Parser) newState(ctx context.Context, src Source, declared int64, storageDir string) *parseState {
	if ctx == nil {
		ctx = context.Background()
	}
	s := new(parseState)
	s.ctx = ctx
	s.src = src
	s.deadliner, _ = src.(deadliner)
	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	s.chunk = make([]byte, chunkSize)
	s.idle = p.IdleTimeout
	s.declared = declared
	s.window = NewByteWindow()
	s.storageDir = storageDir
	s.namer = p.Namer
	if s.namer == nil {
		s.namer = defaultNamer
	}
	s.yield = p.Yield
	if s.yield == nil {
		s.yield = runtime.Gosched
	}
	s.touch()
	return s
}

// touch slides the idle deadline forward.
func (s *parseState) touch() {
	if s.idle > 0 {
		s.deadline = time.Now().Add(s.idle)
	}
}

func (s *parseState) remaining() int64 { return s.declared - s.consumed }

// exhausted reports that no more bytes may be read for this body.
func (s *parseState) exhausted() bool { return s.eof || s.remaining() <= 0 }

// fill reads one chunk into the window. It returns false once the body is
// exhausted; bytes already in the window remain to be classified.
func (s *parseState) fill() (bool, error) {
	for !s.exhausted() {
		if err := s.ctx.Err(); err != nil {
			return false, err
		}
		buf := s.chunk
		if rem := s.remaining(); rem < int64(len(buf)) {
			buf = buf[:rem]
		}
		if s.deadliner != nil {
			s.deadliner.SetReadDeadline(s.deadline)
		}

		n, eof, err := s.src.Read(buf)
		if n > 0 {
			s.consumed += int64(n)
			s.window.Append(buf[:n])
			s.touch()
			if eof {
				s.eof = true
			}
			s.yield()
			return true, nil
		}
		if eof {
			s.eof = true
			break
		}
		if err != nil {
			if IsTimeout(err) {
				if s.idle <= 0 || !time.Now().Before(s.deadline) {
					return false, &TimeoutError{Idle: s.idle}
				}
				continue
			}
			return false, errors.Wrap(err, "read body")
		}
		if s.idle > 0 && !time.Now().Before(s.deadline) {
			return false, &TimeoutError{Idle: s.idle}
		}
		time.Sleep(emptyReadBackoff)
	}
	return false, nil
}

// drain discards what is left of the declared length, such as a multipart
// epilogue, so that the next request on the stream starts clean.
func (s *parseState) drain() error {
	s.window.Reset()
	for {
		more, err := s.fill()
		s.window.Reset()
		if err != nil || !more {
			return err
		}
	}
}

// abandon drops the fragment under construction, which was never finalized.
func (s *parseState) abandon() {
	if s.current != nil {
		s.current.Discard()
		s.current = nil
	}
}
