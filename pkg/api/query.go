package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/store"
)

// criteriaFromQuery reads record search parameters. Times are RFC 3339 or
// unix milliseconds; level may be repeated.
func criteriaFromQuery(c *gin.Context) (store.Criteria, error) {
	var crit store.Criteria
	var err error
	if crit.From, err = parseTime(c.Query("from")); err != nil {
		return crit, fmt.Errorf("from: %w", err)
	}
	if crit.To, err = parseTime(c.Query("to")); err != nil {
		return crit, fmt.Errorf("to: %w", err)
	}
	for _, l := range c.QueryArray("level") {
		lvl, err := audit.ParseLevel(l)
		if err != nil {
			return crit, err
		}
		crit.Levels = append(crit.Levels, lvl)
	}
	if cat := c.Query("category"); cat != "" {
		switch audit.Category(cat) {
		case audit.CategoryMessage, audit.CategoryAdmin, audit.CategorySystem:
			crit.Category = audit.Category(cat)
		default:
			return crit, fmt.Errorf("unknown category %q", cat)
		}
	}
	crit.NodeID = c.Query("node")
	crit.Name = c.Query("name")
	crit.UserName = c.Query("user")
	crit.RequestID = c.Query("requestId")
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return crit, fmt.Errorf("invalid limit %q", l)
		}
		crit.Limit = n
	}
	return crit, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
