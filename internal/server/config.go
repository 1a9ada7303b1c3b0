package server

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer    *http.Server
	handlers      map[string]http.Handler
	ws            wsConfig
	afterShutdown []func()
}

// wsConfig tunes every websocket connection
type wsConfig struct {
	pingPeriod     time.Duration
	pongWait       time.Duration
	writeWait      time.Duration
	maxMessageSize int64
}

var defaultWSConfig = wsConfig{
	pingPeriod:     30 * time.Second,
	pongWait:       60 * time.Second,
	writeWait:      10 * time.Second,
	maxMessageSize: 64 << 10,
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port uint16 `env:"PORT" envDefault:"9000"`

	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	AuthSecret    string        `env:"AUTH_SECRET,required,notEmpty"`
	TokenTTL      time.Duration `env:"TOKEN_TTL" envDefault:"720h"`
	LogProduction bool          `env:"LOG_PRODUCTION" envDefault:"false"`

	WSPingPeriod     time.Duration `env:"WS_PING_PERIOD" envDefault:"30s"`
	WSPongWait       time.Duration `env:"WS_PONG_WAIT" envDefault:"60s"`
	WSWriteWait      time.Duration `env:"WS_WRITE_WAIT" envDefault:"10s"`
	WSMaxMessageSize int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`
	SendBuffer       int           `env:"SEND_BUFFER" envDefault:"256"`

	HistoryLimit    int `env:"HISTORY_LIMIT" envDefault:"20"`
	MaxHistoryLimit int `env:"MAX_HISTORY_LIMIT" envDefault:"100"`
	MaxTextLength   int `env:"MAX_TEXT_LENGTH" envDefault:"4096"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// Heartbeat sets websocket ping period and how long to wait for a pong; pongWait must exceed pingPeriod
func Heartbeat(pingPeriod, pongWait time.Duration) Option {
	return optionFunc(func(c *config) {
		c.ws.pingPeriod = pingPeriod
		c.ws.pongWait = pongWait
	})
}

// WriteWait bounds writing of a single websocket frame
func WriteWait(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.ws.writeWait = d
	})
}

// MaxMessageSize limits inbound websocket frame size in bytes
func MaxMessageSize(n int64) Option {
	return optionFunc(func(c *config) {
		c.ws.maxMessageSize = n
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}

// registerHandlers iterates over a handlers map and registers each handler for newly initialized http.ServeMux
// that http.ServeMux is used as a http.Handler for http.Server in config struct
func registerHandlers() Option {
	return optionFunc(func(c *config) {
		mux := http.NewServeMux()
		for pattern, h := range c.handlers {
			mux.Handle(pattern, h)
		}
		c.httpServer.Handler = mux
	})
}

// applyLog wraps each http.Handler in handlers map with log middleware
func applyLog(logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = log(h, logger)
		}
	})
}
