package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	"nhooyr.io/websocket/wsjson"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// RatePerSec is the sustained request rate across all connections.
	// Zero or less disables limiting.
	RatePerSec float64

	// Burst is the maximum burst size. Defaults to 1 when limiting.
	Burst int

	// ReadLimit bounds a single request frame. Defaults to DefaultReadLimit.
	ReadLimit int64

	// OriginPatterns are passed to websocket.Accept. Empty allows only
	// same-origin browsers; non-browser clients send no Origin.
	OriginPatterns []string

	Logger *log.Logger
}

type handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server serves a storage.Store to remote clients.
type Server struct {
	store    storage.Store
	limiter  *rate.Limiter
	opts     ServerOptions
	logger   *log.Logger
	handlers map[string]handler
}

// NewServer wraps store. The caller keeps ownership of the store.
func NewServer(store storage.Store, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	s := &Server{
		store:    store,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		opts:     opts,
		logger:   opts.Logger.With("component", "remote-server"),
		handlers: make(map[string]handler),
	}
	s.routes()
	return s
}

// route registers fn under method, decoding params into P.
func route[P any, R any](s *Server, method string, fn func(ctx context.Context, p P) (R, error)) {
	s.handlers[method] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, types.Wrap(types.KindSerialization, err, "decode %s params", method)
			}
		}
		return fn(ctx, p)
	}
}

func (s *Server) routes() {
	st := s.store

	route(s, methodMemoryCreate, func(ctx context.Context, m *types.Memory) (*types.Memory, error) {
		return m, st.CreateMemory(ctx, m)
	})
	route(s, methodMemoryGet, func(ctx context.Context, p idParams) (*types.Memory, error) {
		return st.GetMemory(ctx, p.ID)
	})
	route(s, methodMemoryUpdate, func(ctx context.Context, m *types.Memory) (*types.Memory, error) {
		return m, st.UpdateMemory(ctx, m)
	})
	route(s, methodMemoryDelete, func(ctx context.Context, p idParams) (bool, error) {
		return st.DeleteMemory(ctx, p.ID)
	})
	route(s, methodMemoryList, func(ctx context.Context, p listParams[storage.MemoryFilter]) ([]*types.Memory, error) {
		return st.ListMemories(ctx, p.Filter, p.Limit, p.Offset)
	})
	route(s, methodMemoryCount, func(ctx context.Context, p filterParams[storage.MemoryFilter]) (int, error) {
		return st.CountMemories(ctx, p.Filter)
	})
	route(s, methodMemoryAccess, func(ctx context.Context, updates []storage.AccessUpdate) (empty, error) {
		return empty{}, st.ApplyAccessUpdates(ctx, updates)
	})
	route(s, methodMemoryDeleteExpired, func(ctx context.Context, p expiredParams) (int, error) {
		return st.DeleteExpiredMemories(ctx, p.Now)
	})
	route(s, methodMemorySearch, func(ctx context.Context, p searchParams) ([]storage.ScoredMemory, error) {
		return st.SearchMemories(ctx, p.Query, p.Limit)
	})

	route(s, methodEntityCreate, func(ctx context.Context, e *types.Entity) (*types.Entity, error) {
		return e, st.CreateEntity(ctx, e)
	})
	route(s, methodEntityGet, func(ctx context.Context, p idParams) (*types.Entity, error) {
		return st.GetEntity(ctx, p.ID)
	})
	route(s, methodEntityUpdate, func(ctx context.Context, e *types.Entity) (*types.Entity, error) {
		return e, st.UpdateEntity(ctx, e)
	})
	route(s, methodEntityDelete, func(ctx context.Context, p idParams) (bool, error) {
		return st.DeleteEntity(ctx, p.ID)
	})
	route(s, methodEntityList, func(ctx context.Context, p listParams[storage.EntityFilter]) ([]*types.Entity, error) {
		return st.ListEntities(ctx, p.Filter, p.Limit, p.Offset)
	})
	route(s, methodEntityCount, func(ctx context.Context, p filterParams[storage.EntityFilter]) (int, error) {
		return st.CountEntities(ctx, p.Filter)
	})

	route(s, methodRelCreate, func(ctx context.Context, r *types.Relationship) (*types.Relationship, error) {
		return r, st.CreateRelationship(ctx, r)
	})
	route(s, methodRelGet, func(ctx context.Context, p idParams) (*types.Relationship, error) {
		return st.GetRelationship(ctx, p.ID)
	})
	route(s, methodRelUpdate, func(ctx context.Context, r *types.Relationship) (*types.Relationship, error) {
		return r, st.UpdateRelationship(ctx, r)
	})
	route(s, methodRelDelete, func(ctx context.Context, p idParams) (bool, error) {
		return st.DeleteRelationship(ctx, p.ID)
	})
	route(s, methodRelList, func(ctx context.Context, p listParams[storage.RelationshipFilter]) ([]*types.Relationship, error) {
		return st.ListRelationships(ctx, p.Filter, p.Limit, p.Offset)
	})
	route(s, methodRelCount, func(ctx context.Context, p filterParams[storage.RelationshipFilter]) (int, error) {
		return st.CountRelationships(ctx, p.Filter)
	})

	route(s, methodVectorUpsert, func(ctx context.Context, v *types.Vector) (*types.Vector, error) {
		return v, st.UpsertVector(ctx, v)
	})
	route(s, methodVectorGet, func(ctx context.Context, p idParams) (*types.Vector, error) {
		return st.GetVector(ctx, p.ID)
	})
	route(s, methodVectorDelete, func(ctx context.Context, p idParams) (bool, error) {
		return st.DeleteVector(ctx, p.ID)
	})
	route(s, methodVectorList, func(ctx context.Context, p listParams[storage.VectorFilter]) ([]*types.Vector, error) {
		return st.ListVectors(ctx, p.Filter, p.Limit, p.Offset)
	})
	route(s, methodVectorSearch, func(ctx context.Context, p vectorSearchParams) ([]storage.VectorMatch, error) {
		return st.SearchVectors(ctx, p.Query, p.Limit, p.Filter)
	})

	route(s, methodVersionSave, func(ctx context.Context, rec *storage.VersionRecord) (empty, error) {
		return empty{}, st.SaveVersion(ctx, rec)
	})
	route(s, methodVersionGet, func(ctx context.Context, p idParams) (*storage.VersionRecord, error) {
		return st.GetVersion(ctx, p.ID)
	})
	route(s, methodVersionList, func(ctx context.Context, p pageParams) ([]*storage.VersionRecord, error) {
		return st.ListVersions(ctx, p.Limit, p.Offset)
	})
	route(s, methodVersionDelete, func(ctx context.Context, p idParams) (bool, error) {
		return st.DeleteVersion(ctx, p.ID)
	})
	route(s, methodVersionReplaceAll, func(ctx context.Context, snap *storage.Snapshot) (empty, error) {
		return empty{}, st.ReplaceAll(ctx, snap)
	})

	route(s, methodRelTypeSave, func(ctx context.Context, def *types.RelationshipTypeDef) (empty, error) {
		return empty{}, st.SaveRelationshipType(ctx, def)
	})
	route(s, methodRelTypeGet, func(ctx context.Context, p idParams) (*types.RelationshipTypeDef, error) {
		return st.GetRelationshipType(ctx, p.ID)
	})
	route(s, methodRelTypeList, func(ctx context.Context, _ empty) ([]*types.RelationshipTypeDef, error) {
		return st.ListRelationshipTypes(ctx)
	})
	route(s, methodRelTypeDelete, func(ctx context.Context, p idParams) (bool, error) {
		return st.DeleteRelationshipType(ctx, p.ID)
	})

	route(s, methodGraphNeighbors, func(ctx context.Context, p neighborParams) ([]*types.Relationship, error) {
		return st.GetNeighbors(ctx, p.NodeID, p.RelType, p.Direction)
	})

	route(s, methodHealth, func(ctx context.Context, _ empty) (empty, error) {
		return empty{}, st.HealthCheck(ctx)
	})
	route(s, methodClear, func(ctx context.Context, _ empty) (empty, error) {
		return empty{}, st.Clear(ctx)
	})
	route(s, methodMetadata, func(ctx context.Context, _ empty) (*storage.StoreMetadata, error) {
		return st.Metadata(ctx)
	})
	route(s, methodCapabilities, func(ctx context.Context, _ empty) (storage.Capabilities, error) {
		return st.Capabilities(), nil
	})
}

// ServeHTTP upgrades the request to a websocket and serves frames until the
// peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)
	s.logger.Debug("client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.logger.Debug("client read ended", "remote", r.RemoteAddr, "err", err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.dispatch(ctx, req)
			writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
			defer cancelWrite()
			if err := wsjson.Write(writeCtx, conn, resp); err != nil {
				s.logger.Warn("response write failed", "method", req.Method, "err", err)
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	resp := response{ID: req.ID}
	if !s.limiter.Allow() {
		resp.Error = &wireError{Kind: string(types.KindTemporary), Message: "rate limit exceeded"}
		return resp
	}
	h, ok := s.handlers[req.Method]
	if !ok {
		resp.Error = &wireError{Kind: string(types.KindOperation), Message: "unknown method " + req.Method}
		return resp
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		resp.Error = encodeError(err)
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = encodeError(types.Wrap(types.KindSerialization, err, "encode %s result", req.Method))
		return resp
	}
	resp.Result = raw
	return resp
}
