package dbus

import "time"

const (
	// DefaultConnectionReadSize is the default size (in bytes) of the
	// buffer used for reading from the transport. Buffering reduces the
	// count of read syscalls needed to decode a large message.
	DefaultConnectionReadSize = 4096

	defaultConnectTimeout      = 30 * time.Second
	defaultMethodCallTimeout   = 25 * time.Second
	defaultReadTimeout         = 0
	defaultWriteTimeout        = 0
	defaultHealthCheckInterval = 10 * time.Second
	defaultHealthCheckTimeout  = 5 * time.Second
	defaultHealthCheckFailures = 3
	defaultReconnectInitial    = 500 * time.Millisecond
	defaultReconnectMax        = 30 * time.Second
	defaultReconnectMultiplier = 2.0
	defaultMaxReconnectAttempts = 10
	defaultMaxInFlight         = 1024
)

// Config controls the behavior of a Connection: timeouts, health checking,
// automatic reconnection, and resource caps. Zero value is not usable;
// construct via NewConfig and Option functions.
type Config struct {
	connReadSize int

	connectTimeout    time.Duration
	methodCallTimeout time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration

	healthCheckEnabled  bool
	healthCheckInterval time.Duration
	healthCheckTimeout  time.Duration
	healthCheckFailures int

	autoReconnectEnabled  bool
	reconnectInitialDelay time.Duration
	reconnectMaxDelay     time.Duration
	reconnectMultiplier   float64
	maxReconnectAttempts  int

	maxInFlight     int
	maxMessageBytes uint32

	mechanisms      []Mechanism
	negotiateUnixFD bool
}

// NewConfig returns a Config populated with package defaults, as modified
// by opts.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		connReadSize: DefaultConnectionReadSize,

		connectTimeout:    defaultConnectTimeout,
		methodCallTimeout: defaultMethodCallTimeout,
		readTimeout:       defaultReadTimeout,
		writeTimeout:      defaultWriteTimeout,

		healthCheckEnabled:  true,
		healthCheckInterval: defaultHealthCheckInterval,
		healthCheckTimeout:  defaultHealthCheckTimeout,
		healthCheckFailures: defaultHealthCheckFailures,

		autoReconnectEnabled:  true,
		reconnectInitialDelay: defaultReconnectInitial,
		reconnectMaxDelay:     defaultReconnectMax,
		reconnectMultiplier:   defaultReconnectMultiplier,
		maxReconnectAttempts:  defaultMaxReconnectAttempts,

		maxInFlight:     defaultMaxInFlight,
		maxMessageBytes: maxMessageSize,

		mechanisms:      []Mechanism{MechanismExternal, MechanismCookieSHA1, MechanismAnonymous},
		negotiateUnixFD: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option sets up a Config.
type Option func(*Config)

// WithConnectionReadSize sets the size of the buffer used for reading from
// the transport. Bigger buffers mean fewer read syscalls.
func WithConnectionReadSize(size int) Option {
	return func(c *Config) { c.connReadSize = size }
}

// WithConnectTimeout bounds how long CONNECTING+AUTHENTICATING may take.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.connectTimeout = d }
}

// WithMethodCallTimeout sets the default per-reply deadline used by
// Connection.SendRequest when the caller supplies none.
func WithMethodCallTimeout(d time.Duration) Option {
	return func(c *Config) { c.methodCallTimeout = d }
}

// WithReadTimeout stores a per-read network timeout on the Config.
// Connection does not apply it: transport reads have no deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) { c.readTimeout = d }
}

// WithWriteTimeout stores a per-write network timeout on the Config.
// Connection does not apply it: transport writes have no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.writeTimeout = d }
}

// WithHealthCheck enables or disables the HealthMonitor.
func WithHealthCheck(enabled bool) Option {
	return func(c *Config) { c.healthCheckEnabled = enabled }
}

// WithHealthCheckInterval sets the period between Peer.Ping calls.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *Config) { c.healthCheckInterval = d }
}

// WithHealthCheckTimeout sets the per-ping deadline.
func WithHealthCheckTimeout(d time.Duration) Option {
	return func(c *Config) { c.healthCheckTimeout = d }
}

// WithHealthCheckFailureThreshold sets the number of consecutive ping
// failures that move the connection from UNHEALTHY to FAILED.
func WithHealthCheckFailureThreshold(n int) Option {
	return func(c *Config) { c.healthCheckFailures = n }
}

// WithAutoReconnect enables or disables the ReconnectController.
func WithAutoReconnect(enabled bool) Option {
	return func(c *Config) { c.autoReconnectEnabled = enabled }
}

// WithReconnectInitialDelay sets the starting backoff delay.
func WithReconnectInitialDelay(d time.Duration) Option {
	return func(c *Config) { c.reconnectInitialDelay = d }
}

// WithReconnectMaxDelay caps the backoff delay.
func WithReconnectMaxDelay(d time.Duration) Option {
	return func(c *Config) { c.reconnectMaxDelay = d }
}

// WithReconnectBackoffMultiplier sets the backoff growth factor; must be
// >= 1.0.
func WithReconnectBackoffMultiplier(m float64) Option {
	return func(c *Config) { c.reconnectMultiplier = m }
}

// WithMaxReconnectAttempts sets how many consecutive reconnect failures are
// tolerated before giving up. Zero means give up immediately.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Config) { c.maxReconnectAttempts = n }
}

// WithMaxInFlight sets the pending-reply back-pressure cap.
func WithMaxInFlight(n int) Option {
	return func(c *Config) { c.maxInFlight = n }
}

// WithMaxMessageBytes stores a per-message size cap on the Config, clamped
// to the protocol's 2^27 byte ceiling. Connection does not apply it: the
// codec enforces the fixed maxMessageSize ceiling whatever this value is.
func WithMaxMessageBytes(n uint32) Option {
	return func(c *Config) {
		if n > maxMessageSize {
			n = maxMessageSize
		}
		c.maxMessageBytes = n
	}
}

// WithMechanisms overrides the SASL mechanisms offered, in order of
// preference.
func WithMechanisms(mechs ...Mechanism) Option {
	return func(c *Config) { c.mechanisms = mechs }
}

// WithUnixFDNegotiation enables or disables NEGOTIATE_UNIX_FD after a
// successful AUTH.
func WithUnixFDNegotiation(enabled bool) Option {
	return func(c *Config) { c.negotiateUnixFD = enabled }
}
