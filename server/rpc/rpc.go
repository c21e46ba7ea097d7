// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package rpc is the coordinator's dx*/gettradingdata command surface:
// a thin translator from positional JSON-array parameters to the core
// operations exposed by server/book, server/exchange, server/swap, and
// dex/ohlcv. Named for wire compatibility with the original XBridge
// Bitcoin-Core-style RPC (positional UniValue params), not the teacher's
// named-parameter client RPC, but dispatched the way
// client/rpcserver/handlers.go dispatches: a route-name to handler-func
// map built once at construction.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-chi/chi/v5"

	"github.com/xswap-coordinator/xswapd/dex"
	"github.com/xswap-coordinator/xswapd/dex/calc"
	"github.com/xswap-coordinator/xswapd/dex/order"
	"github.com/xswap-coordinator/xswapd/server/book"
	"github.com/xswap-coordinator/xswapd/server/exchange"
	"github.com/xswap-coordinator/xswapd/server/snode"
	"github.com/xswap-coordinator/xswapd/server/swap"
	"github.com/xswap-coordinator/xswapd/server/tradingdata"
	"github.com/xswap-coordinator/xswapd/server/utxolock"
	"github.com/xswap-coordinator/xswapd/server/xcerr"
)

// WalletSource is the per-currency collaborator the RPC layer needs
// beyond what server/swap.WalletConnector provides: address issuance
// and an available (reservation-excluded) balance. Concrete chain
// adapters are out of scope; this shape is all the RPC layer depends on.
type WalletSource interface {
	NewAddress(ctx context.Context) (string, error)
	ValidateAddress(addr string) bool
	AvailableBalance(ctx context.Context, excluded []order.UtxoEntry) (calc.Amount, error)
}

// BlockSource is the host full node's block reader, consumed only by
// gettradingdata. Out of scope per spec.md §1; shape specified here.
type BlockSource interface {
	RecentBlocks(ctx context.Context, maxBlocks int) ([]Block, error)
}

// Block is the minimal block shape gettradingdata walks.
type Block struct {
	Time time.Time
	Txs  []BlockTx
}

// BlockTx is one transaction's outputs, already decoded into the shape
// server/tradingdata consumes.
type BlockTx struct {
	TxID string
	VOut []tradingdata.TxOut
}

// Handler answers one RPC command given its positional parameters.
type Handler func(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error)

// Server wires the RPC command table to the coordinator's core
// components. A single Server is a process-wide singleton, constructed
// explicitly with its collaborators.
type Server struct {
	log      dex.Logger
	book     *book.Book
	exchange *exchange.Exchange
	ledger   *utxolock.Ledger
	driver   *swap.Driver
	snode    *snode.Identity
	wallets  map[string]WalletSource
	blocks   BlockSource
	localFn  book.IsLocalFunc
	chainParams *chaincfg.Params

	reload func() error

	defaultFlushAge time.Duration

	routes map[string]Handler
}

// Config collects Server's collaborators.
type Config struct {
	Book      *book.Book
	Exchange  *exchange.Exchange
	Ledger    *utxolock.Ledger
	Driver    *swap.Driver
	Snode     *snode.Identity
	Wallets   map[string]WalletSource
	Blocks    BlockSource // may be nil; gettradingdata then returns an empty set
	LocalAddr book.IsLocalFunc
	ChainParams *chaincfg.Params // network params for gettradingdata's address recovery; defaults to mainnet
	Reload    func() error // dxLoadXBridgeConf; may be nil
	Log       dex.Logger   // defaults to dex.Disabled when nil

	// DefaultFlushAge is the minAge used by dxFlushCancelledOrders when
	// ageMillis is omitted.
	DefaultFlushAge time.Duration
}

// NewServer builds a Server and its route table.
func NewServer(cfg Config) *Server {
	if cfg.DefaultFlushAge <= 0 {
		cfg.DefaultFlushAge = 4 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = dex.Disabled
	}
	s := &Server{
		log:             cfg.Log,
		book:            cfg.Book,
		exchange:        cfg.Exchange,
		ledger:          cfg.Ledger,
		driver:          cfg.Driver,
		snode:           cfg.Snode,
		wallets:         cfg.Wallets,
		blocks:          cfg.Blocks,
		localFn:         cfg.LocalAddr,
		chainParams:     cfg.ChainParams,
		reload:          cfg.Reload,
		defaultFlushAge: cfg.DefaultFlushAge,
	}
	s.routes = map[string]Handler{
		"dxGetLocalTokens":       s.dxGetLocalTokens,
		"dxGetNetworkTokens":     s.dxGetNetworkTokens,
		"dxGetNewTokenAddress":   s.dxGetNewTokenAddress,
		"dxLoadXBridgeConf":      s.dxLoadXBridgeConf,
		"dxGetOrders":            s.dxGetOrders,
		"dxGetOrder":             s.dxGetOrder,
		"dxMakeOrder":            s.dxMakeOrder,
		"dxTakeOrder":            s.dxTakeOrder,
		"dxCancelOrder":          s.dxCancelOrder,
		"dxFlushCancelledOrders": s.dxFlushCancelledOrders,
		"dxGetOrderBook":         s.dxGetOrderBook,
		"dxGetOrderHistory":      s.dxGetOrderHistory,
		"dxGetOrderFills":        s.dxGetOrderFills,
		"dxGetMyOrders":          s.dxGetMyOrders,
		"dxGetTokenBalances":     s.dxGetTokenBalances,
		"dxGetLockedUtxos":       s.dxGetLockedUtxos,
		"gettradingdata":         s.gettradingdata,
	}
	return s
}

// Route returns the handler registered for name, if any.
func (s *Server) Route(name string) (Handler, bool) {
	h, ok := s.routes[name]
	return h, ok
}

// request is the wire envelope: a command name plus its positional
// parameters, mirroring the original's {"method", "params"} JSON-RPC
// shape.
type request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// errorResponse is the stable {error, code, name} shape spec.md §6
// requires of every RPC error.
type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Name  string `json:"name"`
}

// Router returns a chi.Router exposing POST /rpc, the single HTTP entry
// point for every dx*/gettradingdata command.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/rpc", s.serveHTTP)
	return r
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xcerr.New(xcerr.InvalidParameters, "malformed request body"))
		return
	}
	handler, ok := s.routes[req.Method]
	if !ok {
		writeError(w, xcerr.Newf(xcerr.InvalidParameters, "unknown method %q", req.Method))
		return
	}
	result, xerr := handler(r.Context(), req.Params)
	if xerr != nil {
		writeError(w, xerr)
		return
	}
	writeResult(w, result)
}

func writeResult(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, xerr *xcerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // the error lives in the payload, per spec.md §6
	json.NewEncoder(w).Encode(errorResponse{
		Error: xerr.Context,
		Code:  int(xerr.Code),
		Name:  xerr.Code.String(),
	})
}
