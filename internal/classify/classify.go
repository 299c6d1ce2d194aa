// Package classify implements the Traffic Classifier (C2): a coarse
// category assignment from destination port and direction.
package classify

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Category is the coarse traffic category assigned to a packet.
type Category string

const (
	CategoryClient Category = "client"
	CategoryServer Category = "server"
	CategoryDB     Category = "db"
)

// Classifier assigns a Category from a destination port and direction. It
// is constructed once from a comma-separated db-port list; malformed
// entries are skipped rather than rejecting the whole list.
type Classifier struct {
	dbPorts map[int]struct{}
}

// New parses dbFilter (e.g. "3306,6379,5432") into a Classifier. Entries
// that are not integers in [1,65535] are skipped and logged.
func New(dbFilter string, log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Classifier{dbPorts: make(map[int]struct{})}
	for _, raw := range strings.Split(dbFilter, ",") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		port, err := strconv.Atoi(s)
		if err != nil || port < 1 || port > 65535 {
			log.Debug("skipping malformed db port entry", zap.String("entry", raw))
			continue
		}
		c.dbPorts[port] = struct{}{}
	}
	return c
}

// Classify returns CategoryDB when dstPort is configured as a database
// port, otherwise CategoryClient for outbound traffic and CategoryServer
// for inbound.
func (c *Classifier) Classify(dstPort int, isOutbound bool) Category {
	if _, ok := c.dbPorts[dstPort]; ok {
		return CategoryDB
	}
	if isOutbound {
		return CategoryClient
	}
	return CategoryServer
}
