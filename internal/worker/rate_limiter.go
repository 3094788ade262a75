package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// SendRateLimiter enforces per-profile window limits atomically via a
// Redis Lua script. The GET-check-INCR pattern races when several
// processor instances share a profile; the script makes the check and
// increment one atomic step.
type SendRateLimiter struct {
	redis *redis.Client

	windowScript *redis.Script
}

// ProfileWindowLimits are the effective caps for one profile, after
// profile overrides are applied on top of group defaults.
type ProfileWindowLimits struct {
	PerHour   int
	Per3Hours int
	PerDay    int
}

// Verdict is the outcome of a limiter check.
type Verdict struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Lua script for the three-window check. All windows are checked
// before any counter moves, so a denial leaves no partial increments.
const windowLimitLuaScript = `
local hourKey = KEYS[1]
local threeHourKey = KEYS[2]
local dayKey = KEYS[3]
local hourLimit = tonumber(ARGV[1])
local threeHourLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])
local hourTTL = tonumber(ARGV[4])
local threeHourTTL = tonumber(ARGV[5])
local dayTTL = tonumber(ARGV[6])

local hourCurrent = tonumber(redis.call("GET", hourKey) or "0")
local threeHourCurrent = tonumber(redis.call("GET", threeHourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

if hourCurrent + 1 > hourLimit then
    return {0, 1, hourCurrent}
end
if threeHourCurrent + 1 > threeHourLimit then
    return {0, 2, threeHourCurrent}
end
if dayCurrent + 1 > dayLimit then
    return {0, 3, dayCurrent}
end

local newHour = redis.call("INCR", hourKey)
if newHour == 1 then
    redis.call("EXPIRE", hourKey, hourTTL)
end

local newThreeHour = redis.call("INCR", threeHourKey)
if newThreeHour == 1 then
    redis.call("EXPIRE", threeHourKey, threeHourTTL)
end

local newDay = redis.call("INCR", dayKey)
if newDay == 1 then
    redis.call("EXPIRE", dayKey, dayTTL)
end

return {1, 0, newDay}
`

// NewSendRateLimiter creates a limiter with the Lua script pre-compiled.
func NewSendRateLimiter(redisClient *redis.Client) *SendRateLimiter {
	return &SendRateLimiter{
		redis:        redisClient,
		windowScript: redis.NewScript(windowLimitLuaScript),
	}
}

// NewSendRateLimiterFromURL creates a limiter by connecting to Redis.
func NewSendRateLimiterFromURL(redisURL string) (*SendRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Printf("[SendRateLimiter] Connected to Redis")

	return NewSendRateLimiter(client), nil
}

// Acquire consumes one send slot for the profile if every window has
// room. On denial it reports how long to wait before the tightest
// window rolls over.
func (r *SendRateLimiter) Acquire(ctx context.Context, profileID string, limits ProfileWindowLimits) (Verdict, error) {
	now := time.Now()

	hourKey := fmt.Sprintf("pacer:window:%s:hour:%d", profileID, now.Unix()/3600)
	threeHourKey := fmt.Sprintf("pacer:window:%s:3h:%d", profileID, now.Unix()/10800)
	dayKey := fmt.Sprintf("pacer:window:%s:day:%s", profileID, now.Format("2006-01-02"))

	result, err := r.windowScript.Run(ctx, r.redis,
		[]string{hourKey, threeHourKey, dayKey},
		limits.PerHour,
		limits.Per3Hours,
		limits.PerDay,
		7200,  // hour TTL with slack
		21600, // 3h TTL with slack
		90000, // daily TTL (25 hours)
	).Slice()
	if err != nil {
		return Verdict{}, fmt.Errorf("window limit check failed: %w", err)
	}

	allowed := result[0].(int64) == 1
	if allowed {
		return Verdict{Allowed: true}, nil
	}

	var wait time.Duration
	switch result[1].(int64) {
	case 1: // hourly window
		wait = time.Duration(3600-now.Unix()%3600) * time.Second
	case 2: // 3-hour window
		wait = time.Duration(10800-now.Unix()%10800) * time.Second
	case 3: // daily window
		midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		wait = midnight.Sub(now)
	}

	return Verdict{Allowed: false, RetryAfter: wait}, nil
}

// Usage returns the current window counters for a profile.
func (r *SendRateLimiter) Usage(ctx context.Context, profileID string) (map[string]int64, error) {
	now := time.Now()

	hourKey := fmt.Sprintf("pacer:window:%s:hour:%d", profileID, now.Unix()/3600)
	threeHourKey := fmt.Sprintf("pacer:window:%s:3h:%d", profileID, now.Unix()/10800)
	dayKey := fmt.Sprintf("pacer:window:%s:day:%s", profileID, now.Format("2006-01-02"))

	pipe := r.redis.Pipeline()
	hourCmd := pipe.Get(ctx, hourKey)
	threeHourCmd := pipe.Get(ctx, threeHourKey)
	dayCmd := pipe.Get(ctx, dayKey)
	pipe.Exec(ctx)

	hour, _ := hourCmd.Int64()
	threeHour, _ := threeHourCmd.Int64()
	day, _ := dayCmd.Int64()

	return map[string]int64{
		"hour_current": hour,
		"3h_current":   threeHour,
		"day_current":  day,
	}, nil
}

// Close closes the Redis connection.
func (r *SendRateLimiter) Close() error {
	return r.redis.Close()
}
