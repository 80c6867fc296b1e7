package fetchq

import (
	"github.com/UniQw/fetchq/internal/tokens"
	"github.com/redis/go-redis/v9"
)

// TokenStore persists the freshness token recorded for each resource so an
// interrupted transfer can detect that the resource changed before resuming.
type TokenStore = tokens.Store

// NewMemoryTokens returns a process-local TokenStore. Staging files survive a
// restart but their tokens do not, so resumes after a restart start over.
func NewMemoryTokens() TokenStore { return tokens.NewMemory() }

// OpenFileTokens returns a TokenStore backed by a JSON file at path.
func OpenFileTokens(path string) (TokenStore, error) {
	s, err := tokens.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenBoltTokens returns a TokenStore backed by a bbolt database at path. The
// caller closes it with Close after stopping the Manager.
func OpenBoltTokens(path, namespace string) (*tokens.Bolt, error) {
	return tokens.OpenBolt(path, namespace)
}

// NewRedisTokens returns a TokenStore keeping tokens in one Redis hash per namespace.
func NewRedisTokens(rdb redis.UniversalClient, namespace string) TokenStore {
	return tokens.NewRedis(rdb, namespace)
}
