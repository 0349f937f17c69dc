// Package telemetry reads measurement snapshots from Redis and writes fault
// events back to it.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/redis/go-redis/v9"
)

// PackKey is the hash written by the current sensor and HV monitor
const PackKey = "bms:pack"

// StringKey returns the hash written by the AFE of a string
func StringKey(stringNumber int) string {
	return fmt.Sprintf("bms:string:%d", stringNumber)
}

// DefaultMaxAge is how old the pack snapshot may get before its values are
// handed out as invalid.
const DefaultMaxAge = 500 * time.Millisecond

// RedisSource polls the measurement hashes and keeps the latest snapshots.
// The Read methods never block on Redis.
type RedisSource struct {
	redis    *redis.Client
	logger   *log.Logger
	interval time.Duration
	now      func() time.Time

	// MaxAge bounds the age of the pack snapshot; zero disables the check
	MaxAge time.Duration

	mu       sync.RWMutex
	pack     battery.PackValues
	minMax   battery.MinMax
	openWire battery.OpenWire
	ready    bool
}

// NewRedisSource creates a new measurement source
func NewRedisSource(client *redis.Client, interval time.Duration, logger *log.Logger) *RedisSource {
	src := &RedisSource{
		redis:    client,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		MaxAge:   DefaultMaxAge,
	}
	// nothing is valid until the first poll
	for s := 0; s < battery.NumStrings; s++ {
		src.pack.InvalidStringVoltage[s] = true
		src.pack.InvalidStringCurrent[s] = true
	}
	src.pack.InvalidPackCurrent = true
	src.pack.InvalidBatteryVoltage = true
	src.pack.InvalidHVBusVoltage = true
	return src
}

// Run polls until ctx is cancelled
func (r *RedisSource) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var failing bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.Poll(ctx)
			if err != nil && !failing {
				r.logger.Printf("Failed to read measurements from Redis: %v", err)
			} else if err == nil && failing {
				r.logger.Printf("Reading measurements from Redis again")
			}
			failing = err != nil
		}
	}
}

// Poll reads all measurement hashes in one pipeline
func (r *RedisSource) Poll(ctx context.Context) error {
	pipe := r.redis.Pipeline()
	packCmd := pipe.HGetAll(ctx, PackKey)
	var stringCmds [battery.NumStrings]*redis.MapStringStringCmd
	for s := range stringCmds {
		stringCmds[s] = pipe.HGetAll(ctx, StringKey(s))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to read measurement hashes: %w", err)
	}

	var strs [battery.NumStrings]map[string]string
	for s, cmd := range stringCmds {
		strs[s] = cmd.Val()
	}
	r.apply(packCmd.Val(), strs)
	return nil
}

// apply converts the raw hashes into snapshots. Missing or malformed fields
// mark pack values invalid; cell extremes keep their last known value.
func (r *RedisSource) apply(pack map[string]string, strs [battery.NumStrings]map[string]string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	p := &r.pack
	p.Timestamp = now
	p.PackCurrent, p.InvalidPackCurrent = field(pack, "current")
	p.BatteryVoltage, p.InvalidBatteryVoltage = field(pack, "battery-voltage")
	p.HighVoltageBusVoltage, p.InvalidHVBusVoltage = field(pack, "hv-bus-voltage")

	complete := true
	r.minMax.Timestamp = now
	r.openWire.Timestamp = now
	for s, h := range strs {
		p.StringVoltage[s], p.InvalidStringVoltage[s] = field(h, "voltage")
		p.StringCurrent[s], p.InvalidStringCurrent[s] = field(h, "current")

		complete = keep(h, "cell-voltage-max", &r.minMax.MaximumCellVoltage[s]) && complete
		complete = keep(h, "cell-voltage-min", &r.minMax.MinimumCellVoltage[s]) && complete
		complete = keep(h, "temperature-max", &r.minMax.MaximumTemperature[s]) && complete
		complete = keep(h, "temperature-min", &r.minMax.MinimumTemperature[s]) && complete

		r.openWire.Detected[s] = h["open-wire"] == "1" || h["open-wire"] == "true"
	}

	if complete && !r.ready {
		r.logger.Printf("Received complete measurement set")
		r.ready = true
	}
}

// field parses an integer field. The second result is true when the value
// is missing or malformed.
func field(h map[string]string, name string) (int32, bool) {
	v, ok := h[name]
	if !ok {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, true
	}
	return int32(n), false
}

func keep(h map[string]string, name string, dst *int32) bool {
	v, invalid := field(h, name)
	if invalid {
		return false
	}
	*dst = v
	return true
}

// Ready is true once every string has reported its cell extremes
func (r *RedisSource) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// ReadPackValues copies the pack snapshot. Once the last successful poll is
// older than MaxAge every value is marked invalid; Timestamp keeps the time
// of that poll.
func (r *RedisSource) ReadPackValues(dst *battery.PackValues) {
	r.mu.RLock()
	*dst = r.pack
	r.mu.RUnlock()

	if r.MaxAge <= 0 || dst.Timestamp.IsZero() || r.now().Sub(dst.Timestamp) <= r.MaxAge {
		return
	}
	dst.InvalidPackCurrent = true
	dst.InvalidBatteryVoltage = true
	dst.InvalidHVBusVoltage = true
	for s := 0; s < battery.NumStrings; s++ {
		dst.InvalidStringVoltage[s] = true
		dst.InvalidStringCurrent[s] = true
	}
}

// Stale is true once the last successful poll is older than MaxAge
func (r *RedisSource) Stale() bool {
	r.mu.RLock()
	ts := r.pack.Timestamp
	r.mu.RUnlock()
	return r.MaxAge > 0 && !ts.IsZero() && r.now().Sub(ts) > r.MaxAge
}

func (r *RedisSource) ReadMinMax(dst *battery.MinMax) {
	r.mu.RLock()
	*dst = r.minMax
	r.mu.RUnlock()
}

func (r *RedisSource) ReadOpenWire(dst *battery.OpenWire) {
	r.mu.RLock()
	*dst = r.openWire
	r.mu.RUnlock()
}
