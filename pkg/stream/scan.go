package stream

import (
	"bytes"

	"github.com/kadirpekel/herald/pkg/models"
)

// candidateObject returns the outermost balanced-brace substring starting
// at the first '{' in buf, and true when it is complete. The scan is
// string-aware: braces inside JSON string literals do not count toward
// balance, and backslash escapes are honored.
func candidateObject(buf []byte) ([]byte, bool) {
	start := bytes.IndexByte(buf, '{')
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return buf[start : i+1], true
				}
			}
		}
	}
	return buf[start:], false
}

// closingBracePositions returns the indexes of top-level '}' bytes in buf
// after the first '{', newest first. They are the candidate end positions
// for longest-valid-prefix recovery.
func closingBracePositions(buf []byte) []int {
	start := bytes.IndexByte(buf, '{')
	if start < 0 {
		return nil
	}

	var positions []int
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '}':
			if !inString {
				positions = append(positions, i)
			}
		}
	}

	// Newest first: recovery wants the longest prefix that still parses.
	for i, j := 0, len(positions)-1; i < j; i, j = i+1, j-1 {
		positions[i], positions[j] = positions[j], positions[i]
	}
	return positions
}

// ExtractEnvelope finds the reasoning envelope in a complete response:
// first the outermost balanced object, then longest-valid-prefix recovery.
// Nil when raw holds no envelope.
func ExtractEnvelope(raw []byte) *models.Envelope {
	if candidate, complete := candidateObject(raw); complete {
		if env, err := models.ParseEnvelope(candidate); err == nil {
			return env
		}
	}
	return recoverEnvelope(raw)
}
