package ingest

import (
	"bytes"
	"net/url"
)

// urlEncoded decodes name=value pairs incrementally. Only the text before the
// last '&' seen so far is decoded, the tail waits for more bytes.
func (s *parseState) urlEncoded() error {
	for {
		more, err := s.fill()
		if err != nil {
			return err
		}
		data := s.window.Bytes()
		if !more {
			s.decodePairs(data)
			s.window.Reset()
			return nil
		}
		if split := bytes.LastIndexByte(data, '&'); split >= 0 {
			s.decodePairs(data[:split])
			s.window.Consume(split + 1)
		}
	}
}

func (s *parseState) decodePairs(data []byte) {
	for len(data) > 0 {
		var pair []byte
		if i := bytes.IndexByte(data, '&'); i >= 0 {
			pair, data = data[:i], data[i+1:]
		} else {
			pair, data = data, nil
		}
		if len(pair) == 0 {
			continue
		}
		var name, value []byte
		if i := bytes.IndexByte(pair, '='); i >= 0 {
			name, value = pair[:i], pair[i+1:]
		} else {
			name = pair
		}
		key := unescapeForm(name)
		if len(key) == 0 {
			continue
		}
		s.params.Add(string(key), unescapeForm(value))
	}
}

// unescapeForm decodes '+' and %XX. A malformed escape leaves the input as is.
func unescapeForm(p []byte) []byte {
	if bytes.IndexByte(p, '%') < 0 && bytes.IndexByte(p, '+') < 0 {
		return append([]byte(nil), p...)
	}
	text, err := url.QueryUnescape(string(p))
	if err != nil {
		return append([]byte(nil), p...)
	}
	return []byte(text)
}
