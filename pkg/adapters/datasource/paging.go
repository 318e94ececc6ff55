package datasource

import (
	"fmt"
	"strconv"
)

// OffsetToken encodes a row offset as a page token.
func OffsetToken(offset int) string {
	return strconv.Itoa(offset)
}

// ParseOffsetToken decodes a page token produced by OffsetToken. The empty token is offset 0.
func ParseOffsetToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(token)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid page token %q", token)
	}
	return offset, nil
}

// PageSlice returns the page of items starting at token and the token of the next page.
func PageSlice[T any](items []T, token string, pageSize int) ([]T, string, error) {
	offset, err := ParseOffsetToken(token)
	if err != nil {
		return nil, "", err
	}
	if offset >= len(items) {
		return nil, "", nil
	}
	end := min(offset+pageSize, len(items))
	next := ""
	if end < len(items) {
		next = OffsetToken(end)
	}
	return items[offset:end], next, nil
}
