package session

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type SegmenterConfig struct {
	// SentenceMinChars is the shortest buffer a sentence boundary may cut.
	SentenceMinChars int
	// MaxUnitChars forces a cut at the best whitespace before this length.
	MaxUnitChars int
	// FirstUnitMinChars lets the first unit of a reply start early on a clause break.
	FirstUnitMinChars int
}

func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		SentenceMinChars:  12,
		MaxUnitChars:      200,
		FirstUnitMinChars: 24,
	}
}

// Segmenter turns an append-only token stream into speakable units.
type Segmenter struct {
	cfg     SegmenterConfig
	buf     strings.Builder
	sentAny bool
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	def := DefaultSegmenterConfig()
	if cfg.SentenceMinChars <= 0 {
		cfg.SentenceMinChars = def.SentenceMinChars
	}
	if cfg.MaxUnitChars <= 0 {
		cfg.MaxUnitChars = def.MaxUnitChars
	}
	if cfg.FirstUnitMinChars <= 0 {
		cfg.FirstUnitMinChars = def.FirstUnitMinChars
	}
	return &Segmenter{cfg: cfg}
}

// Push appends text and returns every unit that is now complete.
func (s *Segmenter) Push(text string) []string {
	if text != "" {
		s.buf.WriteString(text)
	}
	var out []string
	for {
		buf := s.buf.String()
		if strings.TrimSpace(buf) == "" {
			return out
		}
		n := utf8.RuneCountInString(buf)

		if n >= s.cfg.SentenceMinChars {
			if cut := sentenceCut(buf, s.cfg.MaxUnitChars); cut > 0 {
				out = s.emit(cut, out)
				continue
			}
		}
		if !s.sentAny && n >= s.cfg.FirstUnitMinChars {
			if cut := clauseCut(buf, s.cfg.FirstUnitMinChars, s.cfg.MaxUnitChars); cut > 0 {
				out = s.emit(cut, out)
				continue
			}
		}
		if n > s.cfg.MaxUnitChars {
			if cut := bestCutAtOrBefore(buf, s.cfg.MaxUnitChars); cut > 0 {
				out = s.emit(cut, out)
				continue
			}
		}
		return out
	}
}

// Flush returns whatever is left, split at the size cap.
func (s *Segmenter) Flush() []string {
	var out []string
	for {
		buf := s.buf.String()
		if strings.TrimSpace(buf) == "" {
			s.buf.Reset()
			return out
		}
		if utf8.RuneCountInString(buf) <= s.cfg.MaxUnitChars {
			return s.emit(len(buf), out)
		}
		cut := bestCutAtOrBefore(buf, s.cfg.MaxUnitChars)
		if cut <= 0 {
			cut = len(buf)
		}
		out = s.emit(cut, out)
	}
}

func (s *Segmenter) emit(cut int, out []string) []string {
	buf := s.buf.String()
	unit := strings.TrimSpace(buf[:cut])
	rest := buf[cut:]
	s.buf.Reset()
	s.buf.WriteString(rest)
	if unit == "" {
		return out
	}
	s.sentAny = true
	return append(out, unit)
}

func isSentenceTerminal(r rune) bool {
	return r == '.' || r == '?' || r == '!' || r == '\n'
}

func isClauseBreak(r rune) bool {
	return r == ',' || r == ';' || r == ':' || r == '—'
}

// sentenceCut returns the byte offset just past the first run of sentence
// terminals that is followed by whitespace, within maxChars runes.
func sentenceCut(s string, maxChars int) int {
	runes := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			return 0
		}
		if isSentenceTerminal(r) {
			j := i + size
			for j < len(s) {
				r2, sz := utf8.DecodeRuneInString(s[j:])
				if !isSentenceTerminal(r2) {
					break
				}
				j += sz
			}
			if j < len(s) {
				if r2, _ := utf8.DecodeRuneInString(s[j:]); unicode.IsSpace(r2) {
					return j
				}
			}
			i = j
			continue
		}
		i += size
	}
	return 0
}

func clauseCut(s string, minChars, maxChars int) int {
	runes := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			return 0
		}
		if runes >= minChars && isClauseBreak(r) {
			j := i + size
			if j < len(s) {
				if r2, _ := utf8.DecodeRuneInString(s[j:]); unicode.IsSpace(r2) {
					return j
				}
			}
		}
		i += size
	}
	return 0
}

func bestCutAtOrBefore(s string, maxChars int) int {
	runes := 0
	lastSpace := 0
	lastBoundary := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			break
		}
		if isSentenceTerminal(r) || isClauseBreak(r) {
			lastBoundary = i + size
		}
		if unicode.IsSpace(r) {
			lastSpace = i + size
		}
		i += size
	}
	if lastBoundary > 0 {
		return lastBoundary
	}
	if lastSpace > 0 {
		return lastSpace
	}
	return cutAtRuneCount(s, maxChars)
}

func cutAtRuneCount(s string, runes int) int {
	i := 0
	for r := 0; r < runes && i < len(s); r++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}
