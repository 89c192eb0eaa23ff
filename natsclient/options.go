package natsclient

import (
	"fmt"
	"log/slog"
	"time"
)

// settings collects what the options configure before the Client is built.
type settings struct {
	logger *slog.Logger
	name   string

	username string
	password string
	token    string

	timeout        time.Duration
	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	maxPingsOut    int
	drainTimeout   time.Duration
	maxPayload     int64
	breakerTrips   int
	maxBreakerWait time.Duration
}

func defaultSettings() settings {
	return settings{
		logger:         slog.Default(),
		timeout:        5 * time.Second,
		maxReconnects:  -1,
		reconnectWait:  2 * time.Second,
		pingInterval:   30 * time.Second,
		maxPingsOut:    2,
		drainTimeout:   10 * time.Second,
		breakerTrips:   5,
		maxBreakerWait: time.Minute,
	}
}

// ClientOption configures a Client.
type ClientOption func(*settings) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(s *settings) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithName sets the connection name shown by the server.
func WithName(name string) ClientOption {
	return func(s *settings) error {
		s.name = name
		return nil
	}
}

// WithCredentials authenticates with a user and password.
func WithCredentials(username, password string) ClientOption {
	return func(s *settings) error {
		s.username = username
		s.password = password
		return nil
	}
}

// WithToken authenticates with a token.
func WithToken(token string) ClientOption {
	return func(s *settings) error {
		s.token = token
		return nil
	}
}

// WithTimeout bounds the initial connection attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("connect timeout must be positive: %v", d)
		}
		s.timeout = d
		return nil
	}
}

// WithReconnect configures reconnects after a connection was established.
// max is the number of attempts, -1 for no limit.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(s *settings) error {
		if max < -1 || wait < 0 {
			return fmt.Errorf("invalid reconnect settings: max %d, wait %v", max, wait)
		}
		s.maxReconnects = max
		s.reconnectWait = wait
		return nil
	}
}

// WithPing sets the keepalive interval and how many unanswered pings mark the
// connection stale.
func WithPing(interval time.Duration, maxOutstanding int) ClientOption {
	return func(s *settings) error {
		if interval <= 0 || maxOutstanding < 1 {
			return fmt.Errorf("invalid ping settings: interval %v, outstanding %d", interval, maxOutstanding)
		}
		s.pingInterval = interval
		s.maxPingsOut = maxOutstanding
		return nil
	}
}

// WithDrainTimeout bounds the drain on Close.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("drain timeout must be positive: %v", d)
		}
		s.drainTimeout = d
		return nil
	}
}

// WithCircuitBreaker refuses connection attempts after trips consecutive
// failures, for a cool-down that doubles up to maxWait.
func WithCircuitBreaker(trips int, maxWait time.Duration) ClientOption {
	return func(s *settings) error {
		if trips < 1 || maxWait < initialCoolDown {
			return fmt.Errorf("invalid circuit breaker: trips %d, max wait %v", trips, maxWait)
		}
		s.breakerTrips = trips
		s.maxBreakerWait = maxWait
		return nil
	}
}

// WithMaxPayload caps published payloads below the server limit.
func WithMaxPayload(n int64) ClientOption {
	return func(s *settings) error {
		if n < 0 {
			return fmt.Errorf("max payload must not be negative: %d", n)
		}
		s.maxPayload = n
		return nil
	}
}
