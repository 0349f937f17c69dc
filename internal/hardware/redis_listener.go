package hardware

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StringDeactivator excludes strings from connection
type StringDeactivator interface {
	SetStringDeactivated(stringNumber int, deactivated bool) error
}

// RedisListener handles Redis commands for string (de)activation
type RedisListener struct {
	redis  *redis.Client
	target StringDeactivator
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisListener creates a new Redis listener for string commands
func NewRedisListener(ctx context.Context, redisClient *redis.Client, target StringDeactivator, logger *log.Logger) *RedisListener {
	listenerCtx, cancel := context.WithCancel(ctx)
	return &RedisListener{
		redis:  redisClient,
		target: target,
		logger: logger,
		ctx:    listenerCtx,
		cancel: cancel,
	}
}

// Start begins listening for Redis commands
func (rl *RedisListener) Start() error {
	go rl.listenForStringCommands()
	return nil
}

// Stop stops the Redis listener
func (rl *RedisListener) Stop() {
	rl.cancel()
}

// listenForStringCommands handles bms:strings commands
func (rl *RedisListener) listenForStringCommands() {
	for {
		select {
		case <-rl.ctx.Done():
			return
		default:
			// Block for up to 1 second waiting for commands
			result, err := rl.redis.BRPop(rl.ctx, time.Second, "bms:strings").Result()
			if err != nil {
				if err == redis.Nil {
					continue // Timeout, continue listening
				}
				if strings.Contains(err.Error(), "context canceled") {
					return
				}
				rl.logger.Printf("Error reading from bms:strings: %v", err)
				time.Sleep(time.Second)
				continue
			}

			if len(result) != 2 {
				continue
			}

			rl.handleStringCommand(result[1])
		}
	}
}

// handleStringCommand processes activate:<n> and deactivate:<n>
func (rl *RedisListener) handleStringCommand(command string) {
	rl.logger.Printf("Received string command: %s", command)

	action, arg, ok := strings.Cut(command, ":")
	if !ok {
		rl.logger.Printf("Invalid string command format: %s", command)
		return
	}

	stringNumber, err := strconv.Atoi(arg)
	if err != nil {
		rl.logger.Printf("Invalid string number in command %s: %v", command, err)
		return
	}

	var deactivated bool
	switch action {
	case "activate":
		deactivated = false
	case "deactivate":
		deactivated = true
	default:
		rl.logger.Printf("Unknown string action: %s", action)
		return
	}

	if err := rl.target.SetStringDeactivated(stringNumber, deactivated); err != nil {
		rl.logger.Printf("Failed to execute string command %s: %v", command, err)
	}
}
