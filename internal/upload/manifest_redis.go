package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisManifests shares manifests between processes. Layout per upload:
// upload:{id} (JSON manifest), upload:{id}:chunks (set of indices),
// upload:{id}:assembling (claim). All keys carry the upload TTL; a sorted
// set of upload ids scored by expiry lets the sweeper find lapsed uploads.
type RedisManifests struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

const uploadDeadlines = "uploads:deadlines"

func NewRedisManifests(client *redis.Client, ttl time.Duration) *RedisManifests {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisManifests{client: client, ttl: ttl, now: time.Now}
}

func manifestKey(id string) string   { return "upload:" + id }
func chunksKey(id string) string     { return "upload:" + id + ":chunks" }
func assemblingKey(id string) string { return "upload:" + id + ":assembling" }

func (s *RedisManifests) Create(ctx context.Context, m Manifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, manifestKey(m.UploadID), b, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("upload %s already exists", m.UploadID)
	}
	return s.client.ZAdd(ctx, uploadDeadlines, redis.Z{
		Score:  float64(s.now().Add(s.ttl).Unix()),
		Member: m.UploadID,
	}).Err()
}

func (s *RedisManifests) Get(ctx context.Context, uploadID string) (Manifest, error) {
	b, err := s.client.Get(ctx, manifestKey(uploadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Manifest{}, ErrUnknownUpload
	}
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", uploadID, err)
	}
	return m, nil
}

func (s *RedisManifests) MarkReceived(ctx context.Context, uploadID string, index int) (int, bool, error) {
	if n, err := s.client.Exists(ctx, manifestKey(uploadID)).Result(); err != nil {
		return 0, false, err
	} else if n == 0 {
		return 0, false, ErrUnknownUpload
	}
	var added *redis.IntCmd
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = p.SAdd(ctx, chunksKey(uploadID), index)
		card = p.SCard(ctx, chunksKey(uploadID))
		p.Expire(ctx, chunksKey(uploadID), s.ttl)
		p.Expire(ctx, manifestKey(uploadID), s.ttl)
		p.ZAdd(ctx, uploadDeadlines, redis.Z{Score: float64(s.now().Add(s.ttl).Unix()), Member: uploadID})
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return int(card.Val()), added.Val() == 0, nil
}

func (s *RedisManifests) Received(ctx context.Context, uploadID string) ([]int, error) {
	if _, err := s.Get(ctx, uploadID); err != nil {
		return nil, err
	}
	members, err := s.client.SMembers(ctx, chunksKey(uploadID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(members))
	for _, m := range members {
		i, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func (s *RedisManifests) ClaimAssembly(ctx context.Context, uploadID string) (bool, error) {
	return s.client.SetNX(ctx, assemblingKey(uploadID), s.now().Unix(), s.ttl).Result()
}

func (s *RedisManifests) ReleaseAssembly(ctx context.Context, uploadID string) error {
	return s.client.Del(ctx, assemblingKey(uploadID)).Err()
}

func (s *RedisManifests) Delete(ctx context.Context, uploadID string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, manifestKey(uploadID), chunksKey(uploadID), assemblingKey(uploadID))
		p.ZRem(ctx, uploadDeadlines, uploadID)
		return nil
	})
	return err
}

// Expired pops upload ids whose deadline has passed.
func (s *RedisManifests) Expired(ctx context.Context) ([]string, error) {
	until := strconv.FormatInt(s.now().Unix(), 10)
	ids, err := s.client.ZRangeByScore(ctx, uploadDeadlines, &redis.ZRangeBy{Min: "-inf", Max: until}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.client.ZRem(ctx, uploadDeadlines, members...).Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
