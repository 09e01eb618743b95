package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dayline-lab/dayline/internal/store"
	"github.com/dayline-lab/dayline/internal/wire"
)

// conn dispatches one client connection. The read loop owns the session
// state; responses from worker tasks and from the loop itself are
// serialized through writeMu so frame bytes never interleave.
type conn struct {
	id  string
	srv *Server
	nc  net.Conn
	br  *bufio.Reader

	writeMu sync.Mutex
	bw      *bufio.Writer

	closed   atomic.Bool
	loggedIn bool
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		id:  uuid.NewString(),
		srv: s,
		nc:  nc,
		br:  bufio.NewReader(nc),
		bw:  bufio.NewWriter(nc),
	}
}

// serve runs the read loop until the client disconnects, the stream can no
// longer be framed, or the server shuts down.
func (c *conn) serve() {
	defer c.close()

	slog.Info("[Conn] Connected", "conn_id", c.id, "remote", c.nc.RemoteAddr().String())

	for !c.closed.Load() {
		requestID, opcode, err := wire.ReadRequestHeader(c.br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				slog.Warn("[Conn] Read failed", "conn_id", c.id, "error", err)
			}
			return
		}

		req, err := wire.ReadRequestOperands(c.br, opcode)
		if err != nil {
			// The layout is length-implicit; a frame that cannot be decoded
			// leaves the stream position unknown.
			slog.Warn("[Conn] Unframeable request", "conn_id", c.id, "opcode", opcode, "error", err)
			msg := "Malformed request"
			if errors.Is(err, wire.ErrUnknownOpcode) {
				msg = "Unknown opcode"
			}
			c.writeError(requestID, opcode, msg)
			return
		}

		c.srv.metrics.Requests.WithLabelValues(wire.OpName(opcode)).Inc()
		c.dispatch(requestID, req)
	}
}

func (c *conn) dispatch(requestID int32, req wire.Request) {
	switch q := req.(type) {
	case wire.LoginRequest:
		c.handleLogin(requestID, q)
	case wire.RegisterRequest:
		c.handleRegister(requestID, q)
	case wire.LogoutRequest:
		c.handleLogout(requestID)
	case wire.AddSaleRequest:
		c.handleAddSale(requestID, q)
	case wire.NewDayRequest:
		c.handleNewDay(requestID)
	case wire.AggregateRequest:
		c.handleAggregate(requestID, q)
	case wire.FilterEventsRequest:
		c.handleFilterEvents(requestID, q)
	case wire.WaitSimultaneousRequest:
		c.handleWaitSimultaneous(requestID, q)
	case wire.WaitConsecutiveRequest:
		c.handleWaitConsecutive(requestID, q)
	}
}

func validNonEmpty(s string) bool {
	return strings.TrimSpace(s) != ""
}

func validPrice(price float64) bool {
	return price >= 0 && !math.IsNaN(price) && !math.IsInf(price, 0)
}

// requireLogin answers the not-logged-in error itself and reports whether
// the request may proceed.
func (c *conn) requireLogin(requestID int32, opcode byte) bool {
	if !c.loggedIn {
		c.writeError(requestID, opcode, "Not logged in")
		return false
	}
	return true
}

// submitOrBusy offloads a store task; a full queue fails only this request.
func (c *conn) submitOrBusy(requestID int32, opcode byte, task func()) {
	if !c.srv.pool.Submit(task) {
		c.srv.metrics.Busy.Inc()
		c.writeError(requestID, opcode, "Server busy")
	}
}

func (c *conn) handleLogin(requestID int32, q wire.LoginRequest) {
	if !validNonEmpty(q.Username) || !validNonEmpty(q.Password) {
		c.writeError(requestID, wire.OpLogin, "Invalid credentials")
		return
	}
	if !c.srv.users.Authenticate(q.Username, q.Password) {
		c.writeError(requestID, wire.OpLogin, "Invalid credentials")
		return
	}
	c.loggedIn = true
	c.writeOK(requestID, wire.AckResponse{})
}

func (c *conn) handleRegister(requestID int32, q wire.RegisterRequest) {
	if !validNonEmpty(q.Username) || !validNonEmpty(q.Password) {
		c.writeError(requestID, wire.OpRegister, "Invalid registration data")
		return
	}
	ok, err := c.srv.users.Register(q.Username, q.Password)
	if err != nil {
		slog.Error("[Conn] Registration failed", "conn_id", c.id, "error", err)
		c.writeError(requestID, wire.OpRegister, "I/O error")
		return
	}
	if !ok {
		c.writeError(requestID, wire.OpRegister, "User already exists")
		return
	}
	c.writeOK(requestID, wire.AckResponse{})
}

func (c *conn) handleLogout(requestID int32) {
	if !c.requireLogin(requestID, wire.OpLogout) {
		return
	}
	c.loggedIn = false
	c.writeOK(requestID, wire.AckResponse{})
}

func (c *conn) handleAddSale(requestID int32, q wire.AddSaleRequest) {
	if !c.requireLogin(requestID, wire.OpAddSale) {
		return
	}
	if !validNonEmpty(q.ProductID) || q.Quantity <= 0 || !validPrice(q.Price) {
		c.writeError(requestID, wire.OpAddSale, "Invalid sale data")
		return
	}
	c.submitOrBusy(requestID, wire.OpAddSale, func() {
		if err := c.srv.store.Append(q.ProductID, q.Quantity, q.Price); err != nil {
			c.writeStoreError(requestID, wire.OpAddSale, err)
			return
		}
		c.writeOK(requestID, wire.AckResponse{})
	})
}

func (c *conn) handleNewDay(requestID int32) {
	if !c.requireLogin(requestID, wire.OpNewDay) {
		return
	}
	c.submitOrBusy(requestID, wire.OpNewDay, func() {
		if err := c.srv.store.AdvanceDay(); err != nil {
			c.writeStoreError(requestID, wire.OpNewDay, err)
			return
		}
		c.writeOK(requestID, wire.AckResponse{})
	})
}

func (c *conn) handleAggregate(requestID int32, q wire.AggregateRequest) {
	if !c.requireLogin(requestID, wire.OpAggregate) {
		return
	}
	if !store.ValidKind(store.Kind(q.Kind)) {
		c.writeError(requestID, wire.OpAggregate, "Unknown aggregation type")
		return
	}
	if !validNonEmpty(q.ProductID) || q.LastDays <= 0 {
		c.writeError(requestID, wire.OpAggregate, "Invalid aggregation parameters")
		return
	}
	c.submitOrBusy(requestID, wire.OpAggregate, func() {
		result, err := c.srv.store.Aggregate(store.Kind(q.Kind), q.ProductID, int(q.LastDays))
		if err != nil {
			c.writeStoreError(requestID, wire.OpAggregate, err)
			return
		}
		c.writeOK(requestID, wire.ValueResponse{Value: result})
	})
}

func (c *conn) handleFilterEvents(requestID int32, q wire.FilterEventsRequest) {
	if !c.requireLogin(requestID, wire.OpFilterEvents) {
		return
	}
	c.submitOrBusy(requestID, wire.OpFilterEvents, func() {
		events, err := c.srv.store.FilterEvents(int(q.DaysAgo), q.ProductIDs)
		if err != nil {
			c.writeStoreError(requestID, wire.OpFilterEvents, err)
			return
		}
		resp := wire.EventsResponse{Sales: make([]wire.Sale, 0, len(events))}
		for _, e := range events {
			resp.Sales = append(resp.Sales, wire.Sale{ProductID: e.ProductID, Quantity: e.Quantity, Price: e.Price})
		}
		c.writeOK(requestID, resp)
	})
}

func (c *conn) handleWaitSimultaneous(requestID int32, q wire.WaitSimultaneousRequest) {
	if !c.requireLogin(requestID, wire.OpWaitSimultaneous) {
		return
	}
	if !validNonEmpty(q.Product1) || !validNonEmpty(q.Product2) {
		c.writeError(requestID, wire.OpWaitSimultaneous, "Invalid productId")
		return
	}
	c.submitOrBusy(requestID, wire.OpWaitSimultaneous, func() {
		matched, err := c.srv.store.WaitSimultaneous(q.Product1, q.Product2)
		if err != nil {
			c.writeStoreError(requestID, wire.OpWaitSimultaneous, err)
			return
		}
		c.writeOK(requestID, wire.MatchResponse{Matched: matched})
	})
}

func (c *conn) handleWaitConsecutive(requestID int32, q wire.WaitConsecutiveRequest) {
	if !c.requireLogin(requestID, wire.OpWaitConsecutive) {
		return
	}
	if q.Count <= 0 {
		c.writeError(requestID, wire.OpWaitConsecutive, "Invalid count")
		return
	}
	c.submitOrBusy(requestID, wire.OpWaitConsecutive, func() {
		product, found, err := c.srv.store.WaitConsecutive(int(q.Count))
		if err != nil {
			c.writeStoreError(requestID, wire.OpWaitConsecutive, err)
			return
		}
		c.writeOK(requestID, wire.ConsecutiveResponse{Found: found, ProductID: product})
	})
}

// writeStoreError maps store failures onto wire error messages.
func (c *conn) writeStoreError(requestID int32, opcode byte, err error) {
	switch {
	case errors.Is(err, store.ErrIO):
		c.writeError(requestID, opcode, "I/O error")
	case errors.Is(err, store.ErrClosed):
		c.writeError(requestID, opcode, "Server shutting down")
	default:
		c.writeError(requestID, opcode, err.Error())
	}
}

func (c *conn) writeOK(requestID int32, resp wire.Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return
	}
	if err := wire.WriteOK(c.bw, requestID, resp); err == nil {
		err = c.bw.Flush()
		if err == nil {
			return
		}
	}
	c.close()
}

func (c *conn) writeError(requestID int32, opcode byte, msg string) {
	c.srv.metrics.Errors.WithLabelValues(wire.OpName(opcode)).Inc()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return
	}
	if err := wire.WriteError(c.bw, requestID, msg); err == nil {
		err = c.bw.Flush()
		if err == nil {
			return
		}
	}
	c.close()
}

// close tears the connection down exactly once. Worker tasks still blocked
// in the store finish on their own; their responses are dropped here.
func (c *conn) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.nc.Close()
	c.srv.metrics.ActiveConnections.Dec()
	c.srv.removeConn(c)
	slog.Info("[Conn] Closed", "conn_id", c.id)
}
