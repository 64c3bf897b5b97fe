// Package queue gives read-only access to the corpus nodes kept by the
// coordinator: metadata in Redis, payloads in the work directory.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bitset"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/junfuture1103/kAFL/config"
	"github.com/junfuture1103/kAFL/internal/bitmap"
)

const NodeMetadataKey = "kafl:node:%d:metadata" // kafl:node:<id>:metadata

var ErrNodeNotFound = errors.New("node not found")

type NodeState struct {
	Name string `json:"name"`
}

type NodeInfo struct {
	ExitReason  string  `json:"exit_reason"`
	Performance float64 `json:"performance"`
}

type NodeMetadata struct {
	ID        int          `json:"id"`
	State     NodeState    `json:"state"`
	Info      NodeInfo     `json:"info"`
	NewBytes  map[int]byte `json:"new_bytes"`
	NewBits   map[int]byte `json:"new_bits"`
	PerfScore float64      `json:"perf_score"`
}

// AttributedBits returns the coverage positions this node introduced.
func (m *NodeMetadata) AttributedBits() *bitset.BitSet {
	return bitmap.AttributedBits(m.NewBytes, m.NewBits)
}

// AttributedBytes returns only the positions of the bytes the node introduced.
func (m *NodeMetadata) AttributedBytes() *bitset.BitSet {
	return bitmap.AttributedBits(m.NewBytes)
}

type Store interface {
	Metadata(ctx context.Context, id int) (*NodeMetadata, error)
	Payload(exitReason string, id int) ([]byte, error)
}

// PayloadPath is the location of the canonical payload of a node.
func PayloadPath(workDir, exitReason string, id int) string {
	return filepath.Join(workDir, "corpus", exitReason, fmt.Sprintf("payload_%05d", id))
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type RedisStore struct {
	client  stringGetter
	workDir string
}

type RedisStoreParams struct {
	fx.In

	RedisClient *redis.Client
	AppConfig   *config.AppConfig
}

func NewRedisStore(p RedisStoreParams) *RedisStore {
	return &RedisStore{p.RedisClient, p.AppConfig.WorkDir}
}

func (s *RedisStore) Metadata(ctx context.Context, id int) (*NodeMetadata, error) {
	raw, err := s.client.Get(ctx, fmt.Sprintf(NodeMetadataKey, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata of node %d: %w", id, err)
	}
	var meta NodeMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of node %d: %w", id, err)
	}
	return &meta, nil
}

func (s *RedisStore) Payload(exitReason string, id int) ([]byte, error) {
	data, err := os.ReadFile(PayloadPath(s.workDir, exitReason, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: payload of %d", ErrNodeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload of node %d: %w", id, err)
	}
	return data, nil
}
