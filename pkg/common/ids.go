package common

import (
	"math/rand"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	idNode *snowflake.Node
	idOnce sync.Once
)

// UUIDint64 returns a process-unique snowflake id for log rows.
func UUIDint64() int64 {
	idOnce.Do(func() {
		rand.Seed(time.Now().UnixNano())
		node, err := snowflake.NewNode(rand.Int63n(1024))
		if err != nil {
			node, _ = snowflake.NewNode(1)
		}
		idNode = node
	})
	return idNode.Generate().Int64()
}
