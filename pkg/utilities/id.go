package utilities

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique KSUID string. Used as the
// internal id of mirrored user rows.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewRunID generates a snowflake ID string for a sync run, using a node ID
// from the SNOWFLAKE_NODE environment variable so ids stay unique across
// replicas. Falls back to node 1 when unset or unparsable.
func NewRunID() string {
	nodeID := int64(1)
	if v := os.Getenv("SNOWFLAKE_NODE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			nodeID = n
		}
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		// snowflake node out of range; a KSUID is still unique
		return NewKSUID()
	}
	return node.Generate().String()
}
