package utils

import (
	"fmt"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	DefaultPageLimit = 1000
	MaxPageLimit     = 50000
)

// TSCWindowFromContext extracts 'from' and 'to' tsc query params. ok is false when
// neither is given; a missing bound is open.
func TSCWindowFromContext(c *gin.Context) (from, to int64, ok bool, err error) {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" && toStr == "" {
		return 0, 0, false, nil
	}
	from, to = 0, math.MaxInt64
	if fromStr != "" {
		if from, err = strconv.ParseInt(fromStr, 10, 64); err != nil {
			return 0, 0, false, fmt.Errorf("invalid 'from' tsc: %w", err)
		}
	}
	if toStr != "" {
		if to, err = strconv.ParseInt(toStr, 10, 64); err != nil {
			return 0, 0, false, fmt.Errorf("invalid 'to' tsc: %w", err)
		}
	}
	if from >= to {
		return 0, 0, false, fmt.Errorf("empty tsc window [%d, %d)", from, to)
	}
	return from, to, true, nil
}

// Page holds the cursor and segment pagination parameters of a list request
type Page struct {
	Limit             int
	Cursor            *int64 // return items after this sequence number
	Before            *int64 // return items before this sequence number
	Skip              int64
	IncludeTotalCount bool
}

// PageFromContext parses limit, cursor, before, segment and includeTotalCount.
// Out-of-range limits fall back to the default.
func PageFromContext(c *gin.Context) (Page, error) {
	p := Page{Limit: DefaultPageLimit, IncludeTotalCount: c.Query("includeTotalCount") == "true"}
	if limitStr := c.Query("limit"); limitStr != "" {
		if val, err := strconv.Atoi(limitStr); err == nil && val > 0 && val <= MaxPageLimit {
			p.Limit = val
		}
	}
	if segmentStr := c.Query("segment"); segmentStr != "" {
		if segment, err := strconv.Atoi(segmentStr); err == nil && segment > 0 {
			p.Skip = int64(segment-1) * int64(p.Limit) // segment is 1-indexed
		}
	}
	parse := func(name string) (*int64, error) {
		s := c.Query(name)
		if s == "" {
			return nil, nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s format, use a cycle sequence number", name)
		}
		return &v, nil
	}
	var err error
	if p.Cursor, err = parse("cursor"); err != nil {
		return Page{}, err
	}
	if p.Before, err = parse("before"); err != nil {
		return Page{}, err
	}
	return p, nil
}
