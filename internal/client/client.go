// Package client is the dayline protocol client: one physical connection
// multiplexing any number of concurrent callers. Requests are written in
// call order under a write lock; a single reader goroutine matches responses
// to callers by request id, so responses may complete out of order.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dayline-lab/dayline/internal/wire"
)

// ErrClosed is returned by calls made, or still pending, after the
// connection has been torn down without a more specific cause.
var ErrClosed = errors.New("connection closed")

// ServerError is an ERROR status reported by the server for one request.
// The connection stays usable.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Msg
}

type pendingCall struct {
	opcode byte
	done   chan callResult
}

type callResult struct {
	resp   wire.Response
	srvErr string
	isErr  bool
	err    error // connection-level failure
}

type Client struct {
	conn net.Conn
	br   *bufio.Reader

	writeMu sync.Mutex
	bw      *bufio.Writer

	mu       sync.Mutex
	nextID   int32
	pending  map[int32]*pendingCall
	closed   bool
	closeErr error
}

// Dial connects to a dayline server and starts the reader goroutine.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		br:      bufio.NewReader(conn),
		bw:      bufio.NewWriter(conn),
		nextID:  1,
		pending: make(map[int32]*pendingCall),
	}
	go c.readLoop()
	return c, nil
}

// readLoop owns all reads. A response for an unknown id means the stream is
// desynchronized and is fatal to the connection.
func (c *Client) readLoop() {
	for {
		requestID, status, err := wire.ReadResponseHeader(c.br)
		if err != nil {
			c.teardown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		c.mu.Lock()
		p, ok := c.pending[requestID]
		if ok {
			delete(c.pending, requestID)
		}
		c.mu.Unlock()

		if !ok {
			c.teardown(fmt.Errorf("%w: response for unknown request id %d", ErrClosed, requestID))
			return
		}

		var res callResult
		if status == wire.StatusOK {
			res.resp, err = wire.ReadOKPayload(c.br, p.opcode)
		} else {
			res.isErr = true
			res.srvErr, err = wire.ReadErrorMessage(c.br)
		}
		if err != nil {
			p.done <- callResult{err: fmt.Errorf("%w: %v", ErrClosed, err)}
			c.teardown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		p.done <- res
	}
}

// teardown closes the connection once and completes every pending call with
// err, unblocking all waiting callers.
func (c *Client) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	stranded := make([]*pendingCall, 0, len(c.pending))
	for _, p := range c.pending {
		stranded = append(stranded, p)
	}
	c.pending = make(map[int32]*pendingCall)
	c.mu.Unlock()

	c.conn.Close()
	for _, p := range stranded {
		p.done <- callResult{err: err}
	}
}

// call sends one request and blocks until its response arrives or the
// connection fails.
func (c *Client) call(req wire.Request) (wire.Response, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	requestID := c.nextID
	c.nextID++
	p := &pendingCall{opcode: req.Opcode(), done: make(chan callResult, 1)}
	c.pending[requestID] = p
	c.mu.Unlock()

	c.writeMu.Lock()
	err := wire.WriteRequest(c.bw, requestID, req)
	if err == nil {
		err = c.bw.Flush()
	}
	c.writeMu.Unlock()
	if err != nil {
		// A partial frame corrupts the stream for every other caller.
		c.teardown(fmt.Errorf("%w: %v", ErrClosed, err))
		return nil, err
	}

	res := <-p.done
	if res.err != nil {
		return nil, res.err
	}
	if res.isErr {
		return nil, &ServerError{Msg: res.srvErr}
	}
	return res.resp, nil
}

// Close tears the connection down; pending and future calls fail with
// ErrClosed. Safe to call more than once.
func (c *Client) Close() error {
	c.teardown(ErrClosed)
	return nil
}

func (c *Client) Register(username, password string) error {
	_, err := c.call(wire.RegisterRequest{Username: username, Password: password})
	return err
}

func (c *Client) Login(username, password string) error {
	_, err := c.call(wire.LoginRequest{Username: username, Password: password})
	return err
}

func (c *Client) Logout() error {
	_, err := c.call(wire.LogoutRequest{})
	return err
}

func (c *Client) AddSale(productID string, quantity int32, price float64) error {
	_, err := c.call(wire.AddSaleRequest{ProductID: productID, Quantity: quantity, Price: price})
	return err
}

func (c *Client) NewDay() error {
	_, err := c.call(wire.NewDayRequest{})
	return err
}

func (c *Client) aggregate(kind byte, productID string, lastDays int32) (float64, error) {
	resp, err := c.call(wire.AggregateRequest{Kind: kind, ProductID: productID, LastDays: lastDays})
	if err != nil {
		return 0, err
	}
	return resp.(wire.ValueResponse).Value, nil
}

func (c *Client) AggregateQuantity(productID string, lastDays int32) (float64, error) {
	return c.aggregate(wire.AggQuantity, productID, lastDays)
}

func (c *Client) AggregateVolume(productID string, lastDays int32) (float64, error) {
	return c.aggregate(wire.AggVolume, productID, lastDays)
}

func (c *Client) AggregateAveragePrice(productID string, lastDays int32) (float64, error) {
	return c.aggregate(wire.AggAveragePrice, productID, lastDays)
}

func (c *Client) AggregateMaxPrice(productID string, lastDays int32) (float64, error) {
	return c.aggregate(wire.AggMaxPrice, productID, lastDays)
}

func (c *Client) FilterEvents(daysAgo int32, productIDs []string) ([]wire.Sale, error) {
	resp, err := c.call(wire.FilterEventsRequest{DaysAgo: daysAgo, ProductIDs: productIDs})
	if err != nil {
		return nil, err
	}
	return resp.(wire.EventsResponse).Sales, nil
}

func (c *Client) WaitSimultaneous(product1, product2 string) (bool, error) {
	resp, err := c.call(wire.WaitSimultaneousRequest{Product1: product1, Product2: product2})
	if err != nil {
		return false, err
	}
	return resp.(wire.MatchResponse).Matched, nil
}

func (c *Client) WaitConsecutive(count int32) (string, bool, error) {
	resp, err := c.call(wire.WaitConsecutiveRequest{Count: count})
	if err != nil {
		return "", false, err
	}
	r := resp.(wire.ConsecutiveResponse)
	return r.ProductID, r.Found, nil
}
