// Package runtime assembles the collab-server and snapshot-worker
// applications from their component layers.
package runtime

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the connection to the Redis deployment backing the
// replication streams and the snapshot queue.
type RedisConfig struct {
	Address  []string `long:"address" env:"ADDRESS" env-delim:"," default:"localhost:6379" description:"Redis address. Repeat (or comma-separate) for cluster deployments"`
	Password string   `long:"password" env:"PASSWORD" description:"Redis password"`
	DB       int      `long:"db" env:"DB" default:"0" description:"Redis database number"`
}

// NewClient builds a UniversalClient of the configured deployment: a cluster
// client if multiple addresses are given, and a single-node client otherwise.
func (c RedisConfig) NewClient() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    c.Address,
		Password: c.Password,
		DB:       c.DB,
	})
}

// StreamConfig configures the per-document replication streams.
type StreamConfig struct {
	Namespace string        `long:"namespace" env:"NAMESPACE" default:"collab" description:"Prefix of all stream and queue keys"`
	MaxLen    int64         `long:"max-len" env:"MAX_LEN" default:"4096" description:"Approximate maximum entries retained per document stream"`
	BatchSize int64         `long:"batch-size" env:"BATCH_SIZE" default:"128" description:"Entries fetched per stream read"`
	IdleDelay time.Duration `long:"idle-delay" env:"IDLE_DELAY" default:"5s" description:"Block duration of an idle stream tail"`
}

// defaultServerID derives a stable-enough origin ID for this process when
// none is configured. Collisions across servers would suppress replication
// between them, so deployments should configure explicit IDs.
func defaultServerID() string {
	var host, err = os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
