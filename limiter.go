package ingest

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type limitRule struct {
	pattern *regexp.Regexp
	limit   int32
	tokens  int32

	refilled time.Time // last time tokens were restored
}

// PathLimiter admits requests per path pattern, a fixed number per second.
// The first matching rule decides; paths matching no rule are admitted.
type PathLimiter struct {
	mu    sync.Mutex
	rules []limitRule
}

// Allow takes one token from the rule matching path.
func (l *PathLimiter) Allow(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.rules {
		rule := &l.rules[k]
		if !rule.pattern.MatchString(path) {
			continue
		}
		if time.Since(rule.refilled) > time.Second {
			rule.tokens = rule.limit
			rule.refilled = time.Now()
		}
		if rule.tokens > 0 {
			rule.tokens--
			return true
		}
		return false
	}
	return true
}

// Rules returns the number of loaded rules.
func (l *PathLimiter) Rules() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rules)
}

func LoadPathLimiter(path string) (*PathLimiter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParsePathLimiter(file)
}

// ParsePathLimiter reads alternating lines:
// 1 path regexp
// 2 requests per second
// 3 path regexp
// 4 requests per second
func ParsePathLimiter(reader io.Reader) (*PathLimiter, error) {
	limiter := new(PathLimiter)
	bufferedReader := bufio.NewReader(reader)

	var lineNum int
	var pattern *regexp.Regexp
	for {
		line, err := bufferedReader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		lineNum++
		eof := err == io.EOF

		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			if pattern == nil {
				if pattern, err = regexp.Compile(line); err != nil {
					return nil, errors.Errorf("limiter cannot parse regexp:line %d, data:%v, error: %v", lineNum, line, err)
				}
			} else {
				limit, err := strconv.ParseInt(line, 0, 32)
				if err != nil || limit < 0 {
					return nil, errors.Errorf("limiter cannot parse limit number:line %d, data:%v, error: %v", lineNum, line, err)
				}
				limiter.rules = append(limiter.rules, limitRule{pattern, int32(limit), int32(limit), time.Now()})
				pattern = nil
			}
		}
		if eof {
			break
		}
	}

	if pattern != nil {
		return nil, errors.Errorf("limiter: line %d, data:%v, error: missing limit", lineNum, pattern)
	}
	return limiter, nil
}
