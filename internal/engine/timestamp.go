package engine

import (
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
)

// ParseTimestamp converts a client modification time to Unix seconds. It
// accepts RFC 2822 dates ("Tue, 1 Jul 2003 10:52:37 +0200"), the HTTP date
// formats, and plain decimal Unix seconds. Times at or before the epoch are
// rejected because 0 means "never written".
func ParseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}

	var ts int64
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrInvalidTimestamp, s, err)
		}
		ts = n
	} else if t, err := mail.ParseDate(s); err == nil {
		ts = t.Unix()
	} else if t, err := http.ParseTime(s); err == nil {
		ts = t.Unix()
	} else {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}

	if ts <= 0 {
		return 0, fmt.Errorf("%w: %q is not after the epoch", ErrInvalidTimestamp, s)
	}
	return ts, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
