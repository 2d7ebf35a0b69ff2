package rpcserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"golang.org/x/sync/semaphore"

	"github.com/tigeryant/blocktalk/wallet"
)

// numWorkers bounds the number of JSON-RPC requests executing at once.
const numWorkers = 4

// maxRequestSize bounds the size of a single request body.
const maxRequestSize = 4 * 1024 * 1024

// Config holds the parameters of the JSON-RPC listener.
type Config struct {
	// Listen is the host:port the HTTP listener binds to.
	Listen string

	// User and Password enable HTTP basic authentication when
	// non-empty.
	User     string
	Password string
}

// Server is the JSON-RPC front end. Its workers parse and validate method
// parameters and call into the wallet engine; they never mutate wallet
// state themselves.
type Server struct {
	cfg    Config
	engine *wallet.Engine

	httpServer *http.Server
	listener   net.Listener
	sem        *semaphore.Weighted

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a server for the given engine.
func New(engine *wallet.Engine, cfg *Config) *Server {
	return &Server{
		cfg:    *cfg,
		engine: engine,
		sem:    semaphore.NewWeighted(numWorkers),
	}
}

// Start binds the listener and begins serving requests. A bind failure is
// returned synchronously.
func (s *Server) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		listener, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			startErr = fmt.Errorf("unable to bind RPC listener "+
				"on %s: %w", s.cfg.Listen, err)
			return
		}
		s.listener = listener

		s.httpServer = &http.Server{
			Handler:           s,
			ReadHeaderTimeout: 10 * time.Second,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Infof("RPC server listening on %s", listener.Addr())
			err := s.httpServer.Serve(listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("RPC server terminated: %v", err)
			}
		}()
	})
	return startErr
}

// Stop shuts the listener down and waits for in-flight requests.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(
				context.Background(), 5*time.Second,
			)
			defer cancel()
			s.httpServer.Shutdown(ctx)
		}
		s.wg.Wait()
		log.Info("RPC server stopped")
	})
}

// checkAuth validates HTTP basic auth credentials when configured.
func (s *Server) checkAuth(r *http.Request) bool {
	if s.cfg.User == "" {
		return true
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare(
		[]byte(user), []byte(s.cfg.User),
	) == 1
	passOK := subtle.ConstantTimeCompare(
		[]byte(pass), []byte(s.cfg.Password),
	) == 1
	return userOK && passOK
}

// rpcRequest is a single JSON-RPC request envelope. Params may be either a
// positional array or a named object.
type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// ServeHTTP handles one JSON-RPC request. Execution is bounded by the
// worker semaphore.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is accepted",
			http.StatusMethodNotAllowed)
		return
	}
	if !s.checkAuth(r) {
		http.Error(w, "authentication failed",
			http.StatusUnauthorized)
		return
	}

	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "failed to read request",
			http.StatusBadRequest)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, nil, nil, btcjson.ErrRPCParse)
		return
	}

	log.Debugf("Handling RPC method %s", req.Method)

	handler, ok := handlers[req.Method]
	if !ok {
		s.writeResponse(w, req.ID, nil, btcjson.ErrRPCMethodNotFound)
		return
	}

	params, rpcErr := parseParams(req.Params)
	if rpcErr != nil {
		s.writeResponse(w, req.ID, nil, rpcErr)
		return
	}

	result, err := handler(r.Context(), s, params)
	if err != nil {
		rpcErr := mapError(err)
		log.Debugf("RPC method %s failed: %v", req.Method, err)
		s.writeResponse(w, req.ID, nil, rpcErr)
		return
	}

	s.writeResponse(w, req.ID, result, nil)
}

// writeResponse marshals and writes a JSON-RPC response envelope.
func (s *Server) writeResponse(w http.ResponseWriter, id interface{},
	result interface{}, rpcErr *btcjson.RPCError) {

	var marshalledResult []byte
	if rpcErr == nil {
		var err error
		marshalledResult, err = json.Marshal(result)
		if err != nil {
			rpcErr = btcjson.ErrRPCInternal
		}
	}

	reply, err := btcjson.MarshalResponse(
		btcjson.RpcVersion1, id, json.RawMessage(marshalledResult),
		rpcErr,
	)
	if err != nil {
		log.Errorf("Failed to marshal RPC response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(reply)
}

// mapError translates engine errors into the JSON-RPC error vocabulary.
// Parameter problems surface as invalid-params; everything else is an
// internal error carrying the error's display string.
func mapError(err error) *btcjson.RPCError {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	if errors.Is(err, wallet.ErrInvalidRescanRange) {
		return btcjson.NewRPCError(
			btcjson.ErrRPCInvalidParams.Code, err.Error(),
		)
	}

	return btcjson.NewRPCError(btcjson.ErrRPCInternal.Code, err.Error())
}
