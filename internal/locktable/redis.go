package locktable

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/cineverse-seat-lock/internal/model"
)

//go:embed scripts/common.lua
var commonScript string

//go:embed scripts/acquire.lua
var acquireScript string

//go:embed scripts/release.lua
var releaseScript string

//go:embed scripts/extend.lua
var extendScript string

//go:embed scripts/prepare_commit.lua
var prepareCommitScript string

//go:embed scripts/complete_commit.lua
var completeCommitScript string

//go:embed scripts/abort_commit.lua
var abortCommitScript string

//go:embed scripts/sweep.lua
var sweepScript string

var (
	acquireLua        = redis.NewScript(commonScript + acquireScript)
	releaseLua        = redis.NewScript(commonScript + releaseScript)
	extendLua         = redis.NewScript(commonScript + extendScript)
	prepareCommitLua  = redis.NewScript(commonScript + prepareCommitScript)
	completeCommitLua = redis.NewScript(commonScript + completeCommitScript)
	abortCommitLua    = redis.NewScript(commonScript + abortCommitScript)
	sweepLua          = redis.NewScript(commonScript + sweepScript)
)

// Redis is a lock table shared by every API instance.  Each operation is a
// single Lua script, so Redis serialises all operations on the table.
// Keys are derived inside the scripts from the prefix, which restricts the
// table to a single Redis node (no cluster slot routing).
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	now    Clock
	retain time.Duration
	tracer trace.Tracer
}

// RedisOption configures a Redis table.
type RedisOption func(*Redis)

// WithRedisClock overrides time.Now; the scripts take the time as an argument.
func WithRedisClock(c Clock) RedisOption {
	return func(r *Redis) {
		if c != nil {
			r.now = c
		}
	}
}

// WithRedisRetention sets how long reclaimed locks are remembered.
func WithRedisRetention(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retain = d
		}
	}
}

// NewRedis returns a Redis lock table whose keys start with prefix.
func NewRedis(rdb redis.UniversalClient, prefix string, opts ...RedisOption) *Redis {
	if prefix == "" {
		prefix = "cineverse"
	}
	r := &Redis{
		rdb:    rdb,
		prefix: prefix,
		now:    time.Now,
		retain: 10 * time.Minute,
		tracer: otel.Tracer("github.com/iliyamo/cineverse-seat-lock/internal/locktable"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadScripts preloads every script so the first EVALSHA does not miss.
func (r *Redis) LoadScripts(ctx context.Context) error {
	for name, s := range map[string]*redis.Script{
		"acquire":         acquireLua,
		"release":         releaseLua,
		"extend":          extendLua,
		"prepare_commit":  prepareCommitLua,
		"complete_commit": completeCommitLua,
		"abort_commit":    abortCommitLua,
		"sweep":           sweepLua,
	} {
		if err := s.Load(ctx, r.rdb).Err(); err != nil {
			return fmt.Errorf("failed to load script %s: %w", name, err)
		}
	}
	return nil
}

func (r *Redis) run(ctx context.Context, name string, s *redis.Script, attrs []attribute.KeyValue, args ...interface{}) ([]interface{}, error) {
	ctx, span := r.tracer.Start(ctx, "locktable.redis."+name)
	defer span.End()
	span.SetAttributes(attrs...)

	vals, err := s.Run(ctx, r.rdb, nil, args...).Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to execute %s script: %w", name, err)
	}
	span.SetStatus(codes.Ok, "")
	return vals, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Acquire implements Table.
func (r *Redis) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	seats := dedupe(req.SeatIDs)
	args := []interface{}{
		r.prefix,                // ARGV[1]
		req.ShowtimeID,          // ARGV[2]
		req.OwnerToken,          // ARGV[3]
		millis(r.now()),         // ARGV[4]: now
		req.TTL.Milliseconds(),  // ARGV[5]: ttl
		uuid.NewString(),        // ARGV[6]: id used if a new lock is created
		r.retain.Milliseconds(), // ARGV[7]
		req.MaxSeats,            // ARGV[8]
	}
	for _, s := range seats {
		args = append(args, s)
	}
	vals, err := r.run(ctx, "acquire", acquireLua, []attribute.KeyValue{
		attribute.String("showtime_id", req.ShowtimeID),
		attribute.Int("seats", len(seats)),
	}, args...)
	if err != nil {
		return nil, err
	}
	if len(vals) < 6 {
		return nil, fmt.Errorf("unexpected acquire result length: %d", len(vals))
	}
	res := &AcquireResult{
		LockID:    asString(vals[0]),
		ExpiresAt: fromMillis(toInt64(vals[1])),
		Granted:   toStrings(vals[2]),
		Conflicts: toConflicts(vals[3]),
	}
	res.Mutation = Mutation{
		ShowtimeID: req.ShowtimeID,
		Changes:    coalesce(toChanges(vals[4])),
		Revision:   toInt64(vals[5]),
	}
	return res, nil
}

// Release implements Table.
func (r *Redis) Release(ctx context.Context, req ReleaseRequest) (Mutation, error) {
	args := []interface{}{r.prefix, req.ShowtimeID, req.LockID, req.OwnerToken, millis(r.now())}
	for _, s := range dedupe(req.SeatIDs) {
		args = append(args, s)
	}
	vals, err := r.run(ctx, "release", releaseLua, []attribute.KeyValue{
		attribute.String("showtime_id", req.ShowtimeID),
		attribute.String("lock_id", req.LockID),
	}, args...)
	if err != nil {
		return Mutation{ShowtimeID: req.ShowtimeID}, err
	}
	if len(vals) < 2 {
		return Mutation{ShowtimeID: req.ShowtimeID}, fmt.Errorf("unexpected release result length: %d", len(vals))
	}
	return Mutation{ShowtimeID: req.ShowtimeID, Changes: toChanges(vals[0]), Revision: toInt64(vals[1])}, nil
}

// Extend implements Table.
func (r *Redis) Extend(ctx context.Context, showtimeID, ownerToken string, seatIDs []string, ttl time.Duration) (*ExtendResult, error) {
	args := []interface{}{r.prefix, showtimeID, ownerToken, millis(r.now()), ttl.Milliseconds(), r.retain.Milliseconds()}
	for _, s := range dedupe(seatIDs) {
		args = append(args, s)
	}
	vals, err := r.run(ctx, "extend", extendLua, []attribute.KeyValue{
		attribute.String("showtime_id", showtimeID),
	}, args...)
	if err != nil {
		return nil, err
	}
	if len(vals) < 4 {
		return nil, fmt.Errorf("unexpected extend result length: %d", len(vals))
	}
	res := &ExtendResult{LockID: asString(vals[0]), ExpiresAt: fromMillis(toInt64(vals[1]))}
	switch toInt64(vals[3]) {
	case 1:
		res.Extended = toStrings(vals[2])
	case 2:
		return res, ErrLockExpired
	}
	return res, nil
}

// PrepareCommit implements Table.
func (r *Redis) PrepareCommit(ctx context.Context, showtimeID, ownerToken string, seatIDs []string, hold time.Duration) (*PrepareResult, error) {
	args := []interface{}{r.prefix, showtimeID, ownerToken, millis(r.now()), hold.Milliseconds(), r.retain.Milliseconds()}
	for _, s := range dedupe(seatIDs) {
		args = append(args, s)
	}
	vals, err := r.run(ctx, "prepare_commit", prepareCommitLua, []attribute.KeyValue{
		attribute.String("showtime_id", showtimeID),
		attribute.Int("seats", len(seatIDs)),
	}, args...)
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 {
		return nil, fmt.Errorf("unexpected prepare_commit result length: %d", len(vals))
	}
	return &PrepareResult{LockID: asString(vals[0]), Failures: toConflicts(vals[1])}, nil
}

// CompleteCommit implements Table.
func (r *Redis) CompleteCommit(ctx context.Context, showtimeID, lockID string, seatIDs []string) (Mutation, error) {
	args := []interface{}{r.prefix, showtimeID, lockID}
	for _, s := range dedupe(seatIDs) {
		args = append(args, s)
	}
	vals, err := r.run(ctx, "complete_commit", completeCommitLua, []attribute.KeyValue{
		attribute.String("showtime_id", showtimeID),
		attribute.String("lock_id", lockID),
	}, args...)
	if err != nil {
		return Mutation{ShowtimeID: showtimeID}, err
	}
	if len(vals) < 2 {
		return Mutation{ShowtimeID: showtimeID}, fmt.Errorf("unexpected complete_commit result length: %d", len(vals))
	}
	return Mutation{ShowtimeID: showtimeID, Changes: toChanges(vals[0]), Revision: toInt64(vals[1])}, nil
}

// AbortCommit implements Table.
func (r *Redis) AbortCommit(ctx context.Context, showtimeID, lockID string) error {
	_, err := r.run(ctx, "abort_commit", abortCommitLua, []attribute.KeyValue{
		attribute.String("showtime_id", showtimeID),
		attribute.String("lock_id", lockID),
	}, r.prefix, showtimeID, lockID)
	return err
}

// Sweep implements Table.
func (r *Redis) Sweep(ctx context.Context, limit int) ([]Mutation, error) {
	if limit <= 0 {
		limit = 200
	}
	vals, err := r.run(ctx, "sweep", sweepLua, []attribute.KeyValue{
		attribute.Int("limit", limit),
	}, r.prefix, millis(r.now()), limit, r.retain.Milliseconds())
	if err != nil {
		return nil, err
	}
	out := make([]Mutation, 0, len(vals))
	for _, v := range vals {
		row, ok := v.([]interface{})
		if !ok || len(row) < 4 {
			continue
		}
		mu := Mutation{
			ShowtimeID: asString(row[0]),
			Revision:   toInt64(row[2]),
			Changes:    toChanges(row[3]),
		}
		if !mu.Empty() {
			out = append(out, mu)
		}
	}
	return out, nil
}

// Snapshot implements Table.  It reads without a script; a lock that
// changes mid-read shows up in its old or new shape, never merged.
func (r *Redis) Snapshot(ctx context.Context, showtimeID string) ([]model.Lock, error) {
	ids, err := r.rdb.SMembers(ctx, r.prefix+":showtime_locks:"+showtimeID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	if len(ids) == 0 {
		return []model.Lock{}, nil
	}

	pipe := r.rdb.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(ids))
	seats := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		hashes[i] = pipe.HGetAll(ctx, r.prefix+":lock:"+id)
		seats[i] = pipe.SMembers(ctx, r.prefix+":lock_seats:"+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read locks: %w", err)
	}

	now := millis(r.now())
	out := make([]model.Lock, 0, len(ids))
	for i, id := range ids {
		h := hashes[i].Val()
		if len(h) == 0 || h["status"] == "expired" {
			continue
		}
		exp := parseInt(h["expires_at"])
		if exp <= now && parseInt(h["pinned_until"]) <= now {
			continue
		}
		ss := seats[i].Val()
		if len(ss) == 0 {
			continue
		}
		sort.Strings(ss)
		out = append(out, model.Lock{
			ID:         id,
			ShowtimeID: showtimeID,
			OwnerToken: h["owner"],
			SeatIDs:    ss,
			CreatedAt:  fromMillis(parseInt(h["created_at"])),
			ExpiresAt:  fromMillis(exp),
			Status:     model.LockActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		return parseInt(t)
	}
	return 0
}

func toStrings(v interface{}) []string {
	arr, _ := v.([]interface{})
	out := make([]string, 0, len(arr))
	for _, x := range arr {
		out = append(out, asString(x))
	}
	return out
}

// toConflicts decodes a flat seat, reason list.
func toConflicts(v interface{}) []Conflict {
	flat := toStrings(v)
	var out []Conflict
	for i := 0; i+1 < len(flat); i += 2 {
		out = append(out, Conflict{SeatID: flat[i], Reason: Reason(flat[i+1])})
	}
	return out
}

// toChanges decodes a flat seat, status, cause list.
func toChanges(v interface{}) []SeatChange {
	flat := toStrings(v)
	var out []SeatChange
	for i := 0; i+2 < len(flat); i += 3 {
		out = append(out, SeatChange{
			SeatID: flat[i],
			Status: model.SeatStatus(flat[i+1]),
			Cause:  Cause(flat[i+2]),
		})
	}
	return out
}
