package domain

import (
	"strconv"
	"strings"
)

// Cursor is a stream position as handed out by the payment feed (a paging token).
type Cursor string

// CursorNow asks the feed to start at the current ledger head.
const CursorNow Cursor = "now"

// Position returns the numeric position of a paging token.
func (c Cursor) Position() (int64, bool) {
	if c == "" || c == CursorNow {
		return 0, false
	}
	p, err := strconv.ParseInt(string(c), 10, 64)
	if err != nil || p < 0 {
		return 0, false
	}
	return p, true
}

// After reports whether c is strictly ahead of o. The empty cursor sorts first.
// Non-numeric tokens fall back to length-then-lexical ordering.
func (c Cursor) After(o Cursor) bool {
	if c == "" || c == CursorNow {
		return false
	}
	if o == "" || o == CursorNow {
		return true
	}
	cp, cok := c.Position()
	op, ook := o.Position()
	if cok && ook {
		return cp > op
	}
	cs, os := strings.TrimLeft(string(c), "0"), strings.TrimLeft(string(o), "0")
	if len(cs) != len(os) {
		return len(cs) > len(os)
	}
	return cs > os
}

// Previous returns the position just before a numeric paging token. Resuming from it
// redelivers c.
func (c Cursor) Previous() (Cursor, bool) {
	p, ok := c.Position()
	if !ok || p == 0 {
		return "", false
	}
	return Cursor(strconv.FormatInt(p-1, 10)), true
}

func (c Cursor) String() string {
	return string(c)
}
