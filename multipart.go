package ingest

import "bytes"

const (
	statePreamble = iota // expecting the first boundary at offset 0
	stateDelimiter       // after a boundary, expecting CRLF or "--"
	stateHeader          // reading a part's header block
	stateData            // reading a part's data up to the next boundary
	stateEpilogue        // closing boundary seen
)

var (
	crlf      = []byte("\r\n")
	headerEnd = []byte("\r\n\r\n")
	closeMark = []byte("--")
)

// multipart runs the boundary state machine over the body. Fragments are
// appended to s.fragments once the boundary following them is found.
func (s *parseState) multipart(boundary string) (err error) {
	delimiter := []byte("\r\n--" + boundary)
	first := delimiter[2:]

	defer func() {
		if err != nil {
			s.abandon()
		}
	}()

	state := statePreamble
	for {
		switch state {
		case statePreamble:
			if err := s.need(len(first)); err != nil {
				return err
			}
			if !bytes.HasPrefix(s.window.Bytes(), first) {
				return &ProtocolError{Reason: "Incorrect multipart segment"}
			}
			s.window.Consume(len(first))
			state = stateDelimiter

		case stateDelimiter:
			if err := s.need(2); err != nil {
				return err
			}
			data := s.window.Bytes()
			switch {
			case bytes.HasPrefix(data, closeMark):
				s.window.Consume(2)
				state = stateEpilogue
			case bytes.HasPrefix(data, crlf):
				s.window.Consume(2)
				state = stateHeader
			case data[0] == ' ' || data[0] == '\t':
				// transport padding
				s.window.Consume(1)
			default:
				return &ProtocolError{Reason: "malformed boundary line"}
			}

		case stateHeader:
			if err := s.readPartHeader(); err != nil {
				return err
			}
			state = stateData

		case stateData:
			found, err := s.readPartData(delimiter)
			if err != nil {
				return err
			}
			if found {
				if err := s.classify(); err != nil {
					return err
				}
				state = stateDelimiter
			}

		case stateEpilogue:
			return s.drain()
		}
	}
}

// need fills the window until it holds at least n bytes.
func (s *parseState) need(n int) error {
	for s.window.Len() < n {
		more, err := s.fill()
		if err != nil {
			return err
		}
		if !more {
			return &ProtocolError{Reason: "truncated multipart body"}
		}
	}
	return nil
}

// readPartHeader reads up to the blank line ending the part's header block
// and opens the fragment under construction.
func (s *parseState) readPartHeader() error {
	var block []byte
	for {
		data := s.window.Bytes()
		if bytes.HasPrefix(data, crlf) {
			s.window.Consume(2)
			break
		}
		if i := bytes.Index(data, headerEnd); i >= 0 {
			block = s.window.Take(i)
			s.window.Consume(len(headerEnd))
			break
		}
		if s.window.Len() > maxHeaderBlock {
			return &ProtocolError{Reason: "part header block too large"}
		}
		more, err := s.fill()
		if err != nil {
			return err
		}
		if !more {
			return &ProtocolError{Reason: "truncated part header"}
		}
	}

	frag, err := parseFragmentHeader(block)
	if err != nil {
		return err
	}
	if frag.IsFile() && s.storageDir != "" {
		file, path, err := openOverflow(s.storageDir, s.namer)
		if err != nil {
			return &ResourceError{Path: path, Err: err}
		}
		frag.Mode = ModeOverflow
		frag.Path = path
		frag.file = file
	}
	s.current = frag
	return nil
}

// readPartData moves the bytes before the next delimiter into the current
// fragment. It reports whether the delimiter was found; the delimiter itself
// is consumed.
func (s *parseState) readPartData(delimiter []byte) (bool, error) {
	if i := s.window.Index(delimiter); i >= 0 {
		if err := s.current.write(s.window.Bytes()[:i]); err != nil {
			return false, err
		}
		s.window.Consume(i + len(delimiter))
		return true, nil
	}

	// keep back what may be the start of a split delimiter
	safe := s.window.Len() - s.window.PartialSuffix(delimiter)
	if err := s.current.write(s.window.Bytes()[:safe]); err != nil {
		return false, err
	}
	s.window.Consume(safe)

	more, err := s.fill()
	if err != nil {
		return false, err
	}
	if !more {
		return false, &ProtocolError{Reason: "unterminated multipart part"}
	}
	return false, nil
}

// classify finalizes the current fragment. Inline fields also land in the
// parameter table under their part name.
func (s *parseState) classify() error {
	frag := s.current
	s.current = nil
	if err := frag.finalize(); err != nil {
		frag.Discard()
		return err
	}
	s.fragments = append(s.fragments, frag)
	if frag.Mode == ModeInline && !frag.IsFile() && frag.Name != "" {
		s.params.Add(frag.Name, frag.Data)
	}
	return nil
}
