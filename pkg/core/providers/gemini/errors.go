package gemini

import (
	"errors"
	"io"

	"google.golang.org/genai"
)

var ioEOF = io.EOF

// asAPIError walks the wrap chain looking for a genai.APIError in either
// value or pointer form.
func asAPIError(err error, target *genai.APIError) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := any(e).(type) {
		case genai.APIError:
			*target = v
			return true
		case *genai.APIError:
			if v != nil {
				*target = *v
				return true
			}
		}
	}
	return false
}
