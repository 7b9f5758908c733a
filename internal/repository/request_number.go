package repository

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RequestNumberPrefix starts every request number.
const RequestNumberPrefix = "REQ"

// requestSequenceDigits is the zero-padded width of the monthly sequence.
const requestSequenceDigits = 5

// RequestPeriod returns the YYYYMM period a request created at t belongs to.
// Periods are computed in UTC so every replica agrees on month boundaries.
func RequestPeriod(t time.Time) string {
	return t.UTC().Format("200601")
}

// RequestNumberPeriodPrefix returns "REQ-YYYYMM" for a period.
func RequestNumberPeriodPrefix(period string) string {
	return fmt.Sprintf("%s-%s", RequestNumberPrefix, period)
}

// FormatRequestNumber renders REQ-YYYYMM-NNNNN.
func FormatRequestNumber(period string, seq int) string {
	return fmt.Sprintf("%s-%0*d", RequestNumberPeriodPrefix(period), requestSequenceDigits, seq)
}

// ParseRequestSequence extracts the trailing sequence of a request number.
func ParseRequestSequence(number string) (int, error) {
	idx := strings.LastIndex(number, "-")
	if idx < 0 || idx == len(number)-1 {
		return 0, fmt.Errorf("malformed request number %q", number)
	}
	seq, err := strconv.Atoi(number[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed request number %q: %w", number, err)
	}
	return seq, nil
}
