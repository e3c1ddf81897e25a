package server

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const exportCacheTTL = 10 * time.Minute

// exportCache holds rendered export payloads. Keys carry the session version,
// so an accepted operation makes every older entry unreachable.
type exportCache struct {
	c *ristretto.Cache[string, []byte]
}

func newExportCache(maxCostBytes int64) (*exportCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &exportCache{c: c}, nil
}

func exportKey(version uint64, name string) string {
	return fmt.Sprintf("%d/%s", version, name)
}

func (c *exportCache) get(version uint64, name string) ([]byte, bool) {
	return c.c.Get(exportKey(version, name))
}

func (c *exportCache) set(version uint64, name string, data []byte) {
	c.c.SetWithTTL(exportKey(version, name), data, int64(len(data)), exportCacheTTL)
}
