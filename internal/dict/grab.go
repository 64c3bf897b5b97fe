package dict

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/junfuture1103/kAFL/config"
)

const DictRedisKey = "kafl:campaign:dicts" // set of dictionary file paths shared by the campaign

type DictGrabber struct {
	logger      *zap.Logger
	redisClient *redis.Client
	localPath   string
	workDir     string
}

type DictGrabberParams struct {
	fx.In

	Logger      *zap.Logger
	RedisClient *redis.Client
	AppConfig   *config.AppConfig
}

func NewDictGrabber(params DictGrabberParams) *DictGrabber {
	return &DictGrabber{
		params.Logger.Named("dict"),
		params.RedisClient,
		params.AppConfig.CampaignConfig.DictPath,
		params.AppConfig.WorkDir,
	}
}

// GrabDict merges the configured dictionary with the dictionaries registered
// for the campaign in Redis.
//
// Lines of all files are deduplicated (ignoring empty lines and comments) and
// written to <workdir>/dict/merged_<n>.dict. The path of the merged file is
// returned, or "" when there is no dictionary at all.
func (d *DictGrabber) GrabDict(ctx context.Context) (string, error) {
	var dictPaths []string
	if d.localPath != "" {
		dictPaths = append(dictPaths, d.localPath)
	}

	if d.redisClient != nil {
		remote, err := d.redisClient.SMembers(ctx, DictRedisKey).Result()
		if err != nil {
			return "", fmt.Errorf("failed to get dict set from redis: %w", err)
		}
		d.logger.Info("Got dicts from Redis", zap.Int("numDicts", len(remote)))
		dictPaths = append(dictPaths, remote...)
	}
	if len(dictPaths) == 0 {
		return "", nil
	}
	if len(dictPaths) == 1 {
		return dictPaths[0], nil
	}

	lineSet := make(map[string]struct{})
	var finalLines []string
	for _, path := range dictPaths {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read dict file %s: %w", path, err)
		}
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if _, ok := lineSet[line]; !ok {
				lineSet[line] = struct{}{}
				finalLines = append(finalLines, line)
			}
		}
	}

	dictDir := filepath.Join(d.workDir, "dict")
	if err := os.MkdirAll(dictDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create dict directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dictDir, "merged_*.dict")
	if err != nil {
		return "", fmt.Errorf("failed to create merged dict file: %w", err)
	}
	defer tmpFile.Close()

	if _, err := tmpFile.WriteString(strings.Join(finalLines, "\n") + "\n"); err != nil {
		return "", fmt.Errorf("failed to write merged dict file: %w", err)
	}

	return tmpFile.Name(), nil
}

// LoadCampaignDict grabs and parses the campaign dictionary. A campaign
// without a dictionary yields no tokens and no error.
func (d *DictGrabber) LoadCampaignDict(ctx context.Context) ([][]byte, error) {
	path, err := d.GrabDict(ctx)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	tokens, err := Load(path)
	if err != nil {
		return nil, err
	}
	d.logger.Info("dictionary loaded", zap.String("path", path), zap.Int("tokens", len(tokens)))
	return tokens, nil
}
