package flac

import (
	"fmt"

	"trustcore/pkg/cryptoutil"
	"trustcore/pkg/models"
)

// RedactedToken replaces fully masked values.
const RedactedToken = "[REDACTED]"

// minPartialLen is the shortest value partial masking may apply to.
// Masking the middle of a 4-character value leaks most of it, so anything
// shorter degrades to full.
const minPartialLen = 6

// partialEdge is how many characters survive at each end of a partial mask.
const partialEdge = 2

// MaskValue is a pure display transform. The hash mask reuses sha256 but is
// confidentiality-oriented: it must not be confused with the ledger's
// integrity hashing.
func MaskValue(value interface{}, mask models.MaskType) interface{} {
	switch mask {
	case models.MaskNone:
		return value
	case models.MaskFull:
		return RedactedToken
	case models.MaskHash:
		return "h:" + cryptoutil.HashHex([]byte(asString(value)))[:16]
	case models.MaskPartial:
		s := asString(value)
		runes := []rune(s)
		if len(runes) < minPartialLen {
			return RedactedToken
		}
		middle := make([]rune, len(runes)-2*partialEdge)
		for i := range middle {
			middle[i] = '*'
		}
		return string(runes[:partialEdge]) + string(middle) + string(runes[len(runes)-partialEdge:])
	default:
		// unknown mask: prefer hiding more
		return RedactedToken
	}
}

func asString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}
