package remote

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	"nhooyr.io/websocket/wsjson"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// RequestTimeout bounds a call when the caller's context has no deadline.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// DialRetries is how many times a failed dial is retried with
	// exponential backoff before the call fails.
	// Default: 3
	DialRetries uint64

	ReadLimit int64
	Breaker   BreakerConfig
	Logger    *log.Logger
}

// Client implements storage.Store over a websocket connection to a Server.
// A single connection multiplexes concurrent calls; it is redialled lazily
// after a failure.
type Client struct {
	url     string
	opts    ClientOptions
	logger  *log.Logger
	breaker *breaker
	nextID  atomic.Uint64
	caps    storage.Capabilities

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan response
	closed  bool
}

var _ storage.Store = (*Client)(nil)

// Dial connects to the server at url (ws:// or wss://) and verifies it
// answers a health check.
func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.DialRetries == 0 {
		opts.DialRetries = 3
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	logger := opts.Logger.With("backend", "remote", "url", url)
	c := &Client{
		url:     url,
		opts:    opts,
		logger:  logger,
		breaker: newBreaker("locai-remote", opts.Breaker, logger),
		pending: make(map[uint64]chan response),
	}
	if err := c.HealthCheck(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.call(ctx, methodCapabilities, empty{}, &c.caps); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// connection returns the live connection, dialling with backoff when there
// is none.
func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, types.NewError(types.KindConnection, "remote: client is closed")
	}
	if c.conn != nil {
		return c.conn, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, _, err = websocket.Dial(ctx, c.url, nil)
		if err != nil {
			c.logger.Debug("dial failed", "err", err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.opts.DialRetries), ctx))
	if err != nil {
		return nil, types.Wrap(types.KindConnection, err, "remote: dial %s", c.url)
	}
	conn.SetReadLimit(c.opts.ReadLimit)
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

// readLoop routes responses to their callers until the connection drops,
// then fails every call still waiting on it.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp response
		if err := wsjson.Read(context.Background(), conn, &resp); err != nil {
			c.dropConnection(conn, err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.logger.Warn("connection lost", "err", cause)
	}
	_ = conn.Close(websocket.StatusGoingAway, "")
	for id, ch := range pending {
		ch <- response{ID: id, Error: &wireError{Kind: string(types.KindConnection), Message: "connection lost: " + cause.Error()}}
	}
}

// call sends one request and decodes the result into out (which may be nil).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	return c.breaker.execute(ctx, func() error {
		return c.roundTrip(ctx, method, params, out)
	})
}

func (c *Client) roundTrip(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return types.Wrap(types.KindSerialization, err, "remote: encode %s params", method)
	}
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}

	id := c.nextID.Add(1)
	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := wsjson.Write(ctx, conn, request{ID: id, Method: method, Params: raw}); err != nil {
		forget()
		go c.dropConnection(conn, err)
		return types.Wrap(types.KindConnection, err, "remote: send %s", method)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.err()
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return types.Wrap(types.KindSerialization, err, "remote: decode %s result", method)
		}
		return nil
	case <-ctx.Done():
		forget()
		return types.Wrap(types.KindTimeout, ctx.Err(), "remote: %s", method)
	}
}

// BreakerState reports the circuit state: "closed", "open" or "half-open".
func (c *Client) BreakerState() string { return c.breaker.state() }

// CreateMemory creates m remotely and copies server-side defaults back.
func (c *Client) CreateMemory(ctx context.Context, m *types.Memory) error {
	return c.call(ctx, methodMemoryCreate, m, m)
}

func (c *Client) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	var out *types.Memory
	err := c.call(ctx, methodMemoryGet, idParams{ID: id}, &out)
	return out, err
}

func (c *Client) UpdateMemory(ctx context.Context, m *types.Memory) error {
	return c.call(ctx, methodMemoryUpdate, m, m)
}

func (c *Client) DeleteMemory(ctx context.Context, id string) (bool, error) {
	var out bool
	err := c.call(ctx, methodMemoryDelete, idParams{ID: id}, &out)
	return out, err
}

func (c *Client) ListMemories(ctx context.Context, f *storage.MemoryFilter, limit, offset int) ([]*types.Memory, error) {
	out := []*types.Memory{}
	err := c.call(ctx, methodMemoryList, listParams[storage.MemoryFilter]{Filter: f, Limit: limit, Offset: offset}, &out)
	return out, err
}

func (c *Client) CountMemories(ctx context.Context, f *storage.MemoryFilter) (int, error) {
	var out int
	err := c.call(ctx, methodMemoryCount, filterParams[storage.MemoryFilter]{Filter: f}, &out)
	return out, err
}

func (c *Client) ApplyAccessUpdates(ctx context.Context, updates []storage.AccessUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return c.call(ctx, methodMemoryAccess, updates, nil)
}

func (c *Client) DeleteExpiredMemories(ctx context.Context, now time.Time) (int, error) {
	var out int
	err := c.call(ctx, methodMemoryDeleteExpired, expiredParams{Now: now}, &out)
	return out, err
}

func (c *Client) SearchMemories(ctx context.Context, query string, limit int) ([]storage.ScoredMemory, error) {
	var out []storage.ScoredMemory
	err := c.call(ctx, methodMemorySearch, searchParams{Query: query, Limit: limit}, &out)
	return out, err
}

func (c *Client) CreateEntity(ctx context.Context, e *types.Entity) error {
	return c.call(ctx, methodEntityCreate, e, e)
}

func (c *Client) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var out *types.Entity
	err := c.call(ctx, methodEntityGet, idParams{ID: id}, &out)
	return out, err
}

func (c *Client) UpdateEntity(ctx context.Context, e *types.Entity) error {
	return c.call(ctx, methodEntityUpdate, e, e)
}

func (c *Client) DeleteEntity(ctx context.Context, id string) (bool, error) {
	var out bool
	err := c.call(ctx, methodEntityDelete, idParams{ID: id}, &out)
	return out, err
}

func (c *Client) ListEntities(ctx context.Context, f *storage.EntityFilter, limit, offset int) ([]*types.Entity, error) {
	out := []*types.Entity{}
	err := c.call(ctx, methodEntityList, listParams[storage.EntityFilter]{Filter: f, Limit: limit, Offset: offset}, &out)
	return out, err
}

func (c *Client) CountEntities(ctx context.Context, f *storage.EntityFilter) (int, error) {
	var out int
	err := c.call(ctx, methodEntityCount, filterParams[storage.EntityFilter]{Filter: f}, &out)
	return out, err
}

func (c *Client) CreateRelationship(ctx context.Context, r *types.Relationship) error {
	return c.call(ctx, methodRelCreate, r, r)
}

func (c *Client) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	var out *types.Relationship
	err := c.call(ctx, methodRelGet, idParams{ID: id}, &out)
	return out, err
}

func (c *Client) UpdateRelationship(ctx context.Context, r *types.Relationship) error {
	return c.call(ctx, methodRelUpdate, r, r)
}

func (c *Client) DeleteRelationship(ctx context.Context, id string) (bool, error) {
	var out bool
	err := c.call(ctx, methodRelDelete, idParams{ID: id}, &out)
	return out, err
}

func (c *Client) ListRelationships(ctx context.Context, f *storage.RelationshipFilter, limit, offset int) ([]*types.Relationship, error) {
	out := []*types.Relationship{}
	err := c.call(ctx, methodRelList, listParams[storage.RelationshipFilter]{Filter: f, Limit: limit, Offset: offset}, &out)
	return out, err
}

func (c *Client) CountRelationships(ctx context.Context, f *storage.RelationshipFilter) (int, error) {
	var out int
	err := c.call(ctx, methodRelCount, filterParams[storage.RelationshipFilter]{Filter: f}, &out)
	return out, err
}

func (c *Client) UpsertVector(ctx context.Context, v *types.Vector) error {
	return c.call(ctx, methodVectorUpsert, v, v)
}

func (c *Client) GetVector(ctx context.Context, id string) (*types.Vector, error) {
	var out *types.Vector
	err := c.call(ctx, methodVectorGet, idParams{ID: id}, &out)
	return out, err
}

func (c *Client) DeleteVector(ctx context.Context, id string) (bool, error) {
	var out bool
	err := c.call(ctx, methodVectorDelete, idParams{ID: id}, &out)
	return out, err
}

func (c *Client) ListVectors(ctx context.Context, f *storage.VectorFilter, limit, offset int) ([]*types.Vector, error) {
	out := []*types.Vector{}
	err := c.call(ctx, methodVectorList, listParams[storage.VectorFilter]{Filter: f, Limit: limit, Offset: offset}, &out)
	return out, err
}

func (c *Client) SearchVectors(ctx context.Context, query []float32, limit int, f *storage.VectorFilter) ([]storage.VectorMatch, error) {
	var out []storage.VectorMatch
	err := c.call(ctx, methodVectorSearch, vectorSearchParams{Query: query, Limit: limit, Filter: f}, &out)
	return out, err
}

func (c *Client) SaveVersion(ctx context.Context, rec *storage.VersionRecord) error {
	return c.call(ctx, methodVersionSave, rec, nil)
}

func (c *Client) GetVersion(ctx context.Context, id string) (*storage.VersionRecord, error) {
	var out *storage.VersionRecord
	err := c.call(ctx, methodVersionGet, idParams{ID: id}, &out)
	return out, err
}

func (c *Client) ListVersions(ctx context.Context, limit, offset int) ([]*storage.VersionRecord, error) {
	out := []*storage.VersionRecord{}
	err := c.call(ctx, methodVersionList, pageParams{Limit: limit, Offset: offset}, &out)
	return out, err
}

func (c *Client) DeleteVersion(ctx context.Context, id string) (bool, error) {
	var out bool
	err := c.call(ctx, methodVersionDelete, idParams{ID: id}, &out)
	return out, err
}

// ReplaceAll is atomic on the server side, inside the served backend.
func (c *Client) ReplaceAll(ctx context.Context, snap *storage.Snapshot) error {
	return c.call(ctx, methodVersionReplaceAll, snap, nil)
}

func (c *Client) SaveRelationshipType(ctx context.Context, def *types.RelationshipTypeDef) error {
	// Validate locally so bad definitions never cost a round trip.
	if err := def.Validate(); err != nil {
		return err
	}
	return c.call(ctx, methodRelTypeSave, def, nil)
}

func (c *Client) GetRelationshipType(ctx context.Context, name string) (*types.RelationshipTypeDef, error) {
	var out *types.RelationshipTypeDef
	err := c.call(ctx, methodRelTypeGet, idParams{ID: name}, &out)
	return out, err
}

func (c *Client) ListRelationshipTypes(ctx context.Context) ([]*types.RelationshipTypeDef, error) {
	out := []*types.RelationshipTypeDef{}
	err := c.call(ctx, methodRelTypeList, empty{}, &out)
	return out, err
}

func (c *Client) DeleteRelationshipType(ctx context.Context, name string) (bool, error) {
	var out bool
	err := c.call(ctx, methodRelTypeDelete, idParams{ID: name}, &out)
	return out, err
}

func (c *Client) GetNeighbors(ctx context.Context, nodeID, relType string, dir types.Direction) ([]*types.Relationship, error) {
	out := []*types.Relationship{}
	err := c.call(ctx, methodGraphNeighbors, neighborParams{NodeID: nodeID, RelType: relType, Direction: dir}, &out)
	return out, err
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.call(ctx, methodHealth, empty{}, nil)
}

func (c *Client) Clear(ctx context.Context) error {
	return c.call(ctx, methodClear, empty{}, nil)
}

// Metadata reports the served backend's metadata under the remote name.
func (c *Client) Metadata(ctx context.Context) (*storage.StoreMetadata, error) {
	var md storage.StoreMetadata
	if err := c.call(ctx, methodMetadata, empty{}, &md); err != nil {
		return nil, err
	}
	md.Backend = "remote:" + md.Backend
	return &md, nil
}

// Capabilities mirrors the served backend, minus transactions: a WithTx
// view cannot span frames.
func (c *Client) Capabilities() storage.Capabilities {
	return storage.Capabilities{NativeVectorIndex: c.caps.NativeVectorIndex}
}

// WithTx is not supported over the wire.
func (c *Client) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	return types.NewError(types.KindFeatureNotEnabled, "remote backend does not support transactions")
}

// Close closes the connection. Calls in flight fail with a connection error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}
