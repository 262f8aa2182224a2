// Package cache provides the advisory tool response cache. Lookups never
// fail a request: a miss or a backend error just means the tool is invoked
// again.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "cache")

// Cache stores tool responses keyed by invocation.
type Cache interface {
	// Get returns the cached response and whether it was present.
	Get(ctx context.Context, key string) (string, bool)
	// Put stores a response with a TTL.
	Put(ctx context.Context, key, value string, ttl time.Duration)
}

// Key derives a stable cache key for a tool invocation. Arguments are
// serialized as canonical JSON: encoding/json sorts map keys, so two
// argument maps with different insertion order produce the same key.
func Key(server, tool string, args map[string]any) string {
	bs, err := json.Marshal(args)
	if err != nil {
		// unserializable arguments never match
		bs = []byte(fmt.Sprintf("%#v", args))
	}
	h := xxhash.New()
	_, _ = h.WriteString(server)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(tool)
	_, _ = h.WriteString("\x00")
	_, _ = h.Write(bs)
	return fmt.Sprintf("%016x", h.Sum64())
}
