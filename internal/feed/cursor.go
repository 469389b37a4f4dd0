package feed

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

const cursorPrefix = "seq:"

// EncodeCursor turns a change-log sequence into the opaque token clients
// pass back to ChangesSince.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

// DecodeCursor parses a token from EncodeCursor. The empty cursor means
// "from the beginning".
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, syncerr.Invalid("cursor", "malformed cursor")
	}
	digits, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, syncerr.Invalid("cursor", "malformed cursor")
	}
	seq, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || seq < 0 {
		return 0, syncerr.Invalid("cursor", "malformed cursor")
	}
	return seq, nil
}
