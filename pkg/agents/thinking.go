package agents

import "strings"

// Reserved marker pair delimiting inline reasoning inside text chunks.
// Backends that cannot flag thinking natively wrap it in these markers.
const (
	thinkingOpen  = "<thinking>"
	thinkingClose = "</thinking>"
)

// ThinkingFilter strips thinking regions from streamed text. Text may arrive
// in arbitrary chunk splits, so the filter holds back the shortest suffix
// that could still start or finish a marker and only emits text it has
// proven safe. One filter instance serves one stream.
type ThinkingFilter struct {
	pending  strings.Builder
	inRegion bool
}

// Feed consumes the next text fragment and returns the emittable portion.
func (f *ThinkingFilter) Feed(text string) string {
	f.pending.WriteString(text)
	buf := f.pending.String()
	f.pending.Reset()

	var out strings.Builder
	for {
		if f.inRegion {
			idx := strings.Index(buf, thinkingClose)
			if idx < 0 {
				// Drop what cannot be part of the close marker yet.
				f.pending.WriteString(markerTail(buf, thinkingClose))
				return out.String()
			}
			buf = buf[idx+len(thinkingClose):]
			f.inRegion = false
			continue
		}

		idx := strings.Index(buf, thinkingOpen)
		if idx < 0 {
			tail := markerTail(buf, thinkingOpen)
			out.WriteString(buf[:len(buf)-len(tail)])
			f.pending.WriteString(tail)
			return out.String()
		}
		out.WriteString(buf[:idx])
		buf = buf[idx+len(thinkingOpen):]
		f.inRegion = true
	}
}

// Flush returns any held-back text at end of stream. A partial open marker
// turns out to be literal text; an unterminated thinking region is dropped.
func (f *ThinkingFilter) Flush() string {
	rest := f.pending.String()
	f.pending.Reset()
	if f.inRegion {
		return ""
	}
	return rest
}

// markerTail returns the longest suffix of s that is a proper prefix of
// marker. That suffix cannot be emitted or discarded until more text shows
// whether the marker completes.
func markerTail(s, marker string) string {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(marker, s[len(s)-n:]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
