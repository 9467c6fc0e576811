package connectors

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/latchgate/internal/domain"
	"go.uber.org/zap"
)

type RegistryOptions struct {
	DefaultTimeout time.Duration
	RateLimit      float64
	Burst          int
	Attempts       uint

	OnStateChange func(upstreamID string, from, to gobreaker.State)
}

type entry struct {
	conn     string // сериализованный дескриптор, по нему видно, что подключение поменялось
	provider Provider
	closer   io.Closer
}

// Registry лениво строит транспорт для каждого upstream по его дескриптору подключения
// и держит его (вместе с предохранителем) между вызовами.
type Registry struct {
	opts   RegistryOptions
	client *http.Client
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(opts RegistryOptions, logger *zap.Logger) *Registry {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 15 * time.Second
	}
	return &Registry{
		opts:    opts,
		client:  &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		logger:  logger.With(zap.String("mod", "connectors")),
		entries: make(map[string]*entry),
	}
}

// For возвращает транспорт upstream, пересоздавая его при смене дескриптора.
func (r *Registry) For(up *domain.Upstream) (Provider, error) {
	key, err := json.Marshal(up.Connection)
	if err != nil {
		return nil, fmt.Errorf("encode connection: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[up.ID]; ok {
		if e.conn == string(key) {
			return e.provider, nil
		}
		r.closeEntry(up.ID, e)
	}

	base, closer, err := r.build(up)
	if err != nil {
		return nil, err
	}
	e := &entry{
		conn:   string(key),
		closer: closer,
		provider: NewReliabilityWrapper(base, ReliabilityOptions{
			Name:        up.ID,
			RateLimit:   r.opts.RateLimit,
			Burst:       r.opts.Burst,
			Attempts:    r.opts.Attempts,
			CallTimeout: r.timeout(up),
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.logger.Warn("circuit breaker state changed",
					zap.String("upstream_id", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				if r.opts.OnStateChange != nil {
					r.opts.OnStateChange(name, from, to)
				}
			},
		}),
	}
	r.entries[up.ID] = e
	r.logger.Info("upstream transport ready",
		zap.String("upstream_id", up.ID),
		zap.String("transport", string(up.Connection.Transport)))
	return e.provider, nil
}

func (r *Registry) build(up *domain.Upstream) (Provider, io.Closer, error) {
	c := up.Connection
	switch c.Transport {
	case domain.TransportHTTP, "":
		if c.URL == "" {
			return nil, nil, fmt.Errorf("upstream %s: http transport without url", up.ID)
		}
		return NewHTTPConnector(c.URL, c.Headers, r.client), nil, nil
	case domain.TransportGRPC:
		if c.Target == "" {
			return nil, nil, fmt.Errorf("upstream %s: grpc transport without target", up.ID)
		}
		conn, err := DialGRPC(c.Target)
		if err != nil {
			return nil, nil, err
		}
		return NewGRPCAdapter(conn, r.timeout(up)), conn, nil
	case domain.TransportStatic:
		return &StaticConnector{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("upstream %s: unsupported transport %q", up.ID, c.Transport)
	}
}

func (r *Registry) timeout(up *domain.Upstream) time.Duration {
	if d := time.Duration(up.Connection.Timeout); d > 0 {
		return d
	}
	return r.opts.DefaultTimeout
}

func (r *Registry) closeEntry(id string, e *entry) {
	delete(r.entries, id)
	if e.closer != nil {
		if err := e.closer.Close(); err != nil {
			r.logger.Warn("close upstream transport", zap.String("upstream_id", id), zap.Error(err))
		}
	}
}

// Close освобождает gRPC-соединения при остановке шлюза.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		r.closeEntry(id, e)
	}
}
