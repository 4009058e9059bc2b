package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"behavior-guard/internal/client"
	"behavior-guard/internal/models"
	"behavior-guard/internal/util"
)

const navigationPrefix = "navigation:"

// NavigationCache records per-user section visits in one hash:
// "<section>:count" and "<section>:last" (unix ms).
type NavigationCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewNavigationCache(c *client.RedisClient, ttl time.Duration) *NavigationCache {
	return &NavigationCache{client: c, ttl: ttl}
}

// Visit records a visit at `at` and returns the section's history as it was
// before this visit. A never-visited section comes back with Count 0.
func (c *NavigationCache) Visit(ctx context.Context, userID, section string, at time.Time) (models.NavigationVisit, error) {
	ctx, cancel := c.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	key := navigationPrefix + userID
	countField, lastField := section+":count", section+":last"

	pipe := c.client.TxPipeline()
	prior := pipe.HMGet(ctx, key, countField, lastField)
	pipe.HIncrBy(ctx, key, countField, 1)
	pipe.HSet(ctx, key, lastField, at.UnixMilli())
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to record navigation", zap.String("user_id", userID), zap.String("section", section), zap.Error(err))
		return models.NavigationVisit{}, fmt.Errorf("failed to record navigation: %w", err)
	}

	visit := models.NavigationVisit{Section: section}
	vals := prior.Val()
	if len(vals) == 2 {
		if s, ok := vals[0].(string); ok {
			visit.Count, _ = strconv.Atoi(s)
		}
		if s, ok := vals[1].(string); ok {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				visit.LastVisited = time.UnixMilli(ms)
			}
		}
	}
	return visit, nil
}

// History lists every section the user has visited.
func (c *NavigationCache) History(ctx context.Context, userID string) ([]models.NavigationVisit, error) {
	ctx, cancel := c.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, navigationPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read navigation history: %w", err)
	}

	bySection := map[string]*models.NavigationVisit{}
	for field, val := range fields {
		i := strings.LastIndexByte(field, ':')
		if i < 0 {
			continue
		}
		section, kind := field[:i], field[i+1:]
		v, ok := bySection[section]
		if !ok {
			v = &models.NavigationVisit{Section: section}
			bySection[section] = v
		}
		switch kind {
		case "count":
			v.Count, _ = strconv.Atoi(val)
		case "last":
			if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
				v.LastVisited = time.UnixMilli(ms)
			}
		}
	}

	out := make([]models.NavigationVisit, 0, len(bySection))
	for _, v := range bySection {
		out = append(out, *v)
	}
	return out, nil
}
