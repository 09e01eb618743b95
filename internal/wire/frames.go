package wire

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnknownOpcode reports a request header whose opcode has no decoder.
var ErrUnknownOpcode = errors.New("unknown opcode")

// Request is one decoded request frame body. Implementations are plain data
// structs; encoding and decoding are pure functions dispatched by opcode.
type Request interface {
	Opcode() byte
	encodeOperands(w io.Writer) error
}

// Response is the OK payload of one response frame. The payload layout is
// fixed per opcode, so decoding needs the opcode of the originating request.
type Response interface {
	encodePayload(w io.Writer) error
}

type LoginRequest struct {
	Username string
	Password string
}

type RegisterRequest struct {
	Username string
	Password string
}

type AddSaleRequest struct {
	ProductID string
	Quantity  int32
	Price     float64
}

type AggregateRequest struct {
	Kind      byte
	ProductID string
	LastDays  int32
}

type FilterEventsRequest struct {
	DaysAgo    int32
	ProductIDs []string
}

type WaitSimultaneousRequest struct {
	Product1 string
	Product2 string
}

type WaitConsecutiveRequest struct {
	Count int32
}

type NewDayRequest struct{}

type LogoutRequest struct{}

func (LoginRequest) Opcode() byte            { return OpLogin }
func (RegisterRequest) Opcode() byte         { return OpRegister }
func (AddSaleRequest) Opcode() byte          { return OpAddSale }
func (AggregateRequest) Opcode() byte        { return OpAggregate }
func (FilterEventsRequest) Opcode() byte     { return OpFilterEvents }
func (WaitSimultaneousRequest) Opcode() byte { return OpWaitSimultaneous }
func (WaitConsecutiveRequest) Opcode() byte  { return OpWaitConsecutive }
func (NewDayRequest) Opcode() byte           { return OpNewDay }
func (LogoutRequest) Opcode() byte           { return OpLogout }

func (q LoginRequest) encodeOperands(w io.Writer) error {
	if err := WriteString(w, q.Username); err != nil {
		return err
	}
	return WriteString(w, q.Password)
}

func (q RegisterRequest) encodeOperands(w io.Writer) error {
	if err := WriteString(w, q.Username); err != nil {
		return err
	}
	return WriteString(w, q.Password)
}

func (q AddSaleRequest) encodeOperands(w io.Writer) error {
	if err := WriteString(w, q.ProductID); err != nil {
		return err
	}
	if err := WriteInt32(w, q.Quantity); err != nil {
		return err
	}
	return WriteFloat64(w, q.Price)
}

func (q AggregateRequest) encodeOperands(w io.Writer) error {
	if err := WriteByte(w, q.Kind); err != nil {
		return err
	}
	if err := WriteString(w, q.ProductID); err != nil {
		return err
	}
	return WriteInt32(w, q.LastDays)
}

func (q FilterEventsRequest) encodeOperands(w io.Writer) error {
	if err := WriteInt32(w, q.DaysAgo); err != nil {
		return err
	}
	if err := WriteInt32(w, int32(len(q.ProductIDs))); err != nil {
		return err
	}
	for _, id := range q.ProductIDs {
		if err := WriteString(w, id); err != nil {
			return err
		}
	}
	return nil
}

func (q WaitSimultaneousRequest) encodeOperands(w io.Writer) error {
	if err := WriteString(w, q.Product1); err != nil {
		return err
	}
	return WriteString(w, q.Product2)
}

func (q WaitConsecutiveRequest) encodeOperands(w io.Writer) error {
	return WriteInt32(w, q.Count)
}

func (NewDayRequest) encodeOperands(io.Writer) error { return nil }
func (LogoutRequest) encodeOperands(io.Writer) error { return nil }

// requestDecoders maps an opcode to its operand decoder. Adding an opcode
// means adding a struct pair and one entry here; nothing else dispatches.
var requestDecoders = map[byte]func(io.Reader) (Request, error){
	OpLogin: func(r io.Reader) (Request, error) {
		var q LoginRequest
		var err error
		if q.Username, err = ReadString(r); err != nil {
			return nil, err
		}
		if q.Password, err = ReadString(r); err != nil {
			return nil, err
		}
		return q, nil
	},
	OpRegister: func(r io.Reader) (Request, error) {
		var q RegisterRequest
		var err error
		if q.Username, err = ReadString(r); err != nil {
			return nil, err
		}
		if q.Password, err = ReadString(r); err != nil {
			return nil, err
		}
		return q, nil
	},
	OpAddSale: func(r io.Reader) (Request, error) {
		var q AddSaleRequest
		var err error
		if q.ProductID, err = ReadString(r); err != nil {
			return nil, err
		}
		if q.Quantity, err = ReadInt32(r); err != nil {
			return nil, err
		}
		if q.Price, err = ReadFloat64(r); err != nil {
			return nil, err
		}
		return q, nil
	},
	OpAggregate: func(r io.Reader) (Request, error) {
		var q AggregateRequest
		var err error
		if q.Kind, err = ReadByte(r); err != nil {
			return nil, err
		}
		if q.ProductID, err = ReadString(r); err != nil {
			return nil, err
		}
		if q.LastDays, err = ReadInt32(r); err != nil {
			return nil, err
		}
		return q, nil
	},
	OpFilterEvents: func(r io.Reader) (Request, error) {
		var q FilterEventsRequest
		var err error
		if q.DaysAgo, err = ReadInt32(r); err != nil {
			return nil, err
		}
		n, err := ReadInt32(r)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("negative product count %d", n)
		}
		for i := int32(0); i < n; i++ {
			id, err := ReadString(r)
			if err != nil {
				return nil, err
			}
			q.ProductIDs = append(q.ProductIDs, id)
		}
		return q, nil
	},
	OpWaitSimultaneous: func(r io.Reader) (Request, error) {
		var q WaitSimultaneousRequest
		var err error
		if q.Product1, err = ReadString(r); err != nil {
			return nil, err
		}
		if q.Product2, err = ReadString(r); err != nil {
			return nil, err
		}
		return q, nil
	},
	OpWaitConsecutive: func(r io.Reader) (Request, error) {
		var q WaitConsecutiveRequest
		var err error
		if q.Count, err = ReadInt32(r); err != nil {
			return nil, err
		}
		return q, nil
	},
	OpNewDay: func(io.Reader) (Request, error) { return NewDayRequest{}, nil },
	OpLogout: func(io.Reader) (Request, error) { return LogoutRequest{}, nil },
}

// OpName returns a readable name for an opcode, for logs and metrics labels.
func OpName(opcode byte) string {
	switch opcode {
	case OpLogin:
		return "login"
	case OpRegister:
		return "register"
	case OpAddSale:
		return "add_sale"
	case OpAggregate:
		return "aggregate"
	case OpFilterEvents:
		return "filter_events"
	case OpWaitSimultaneous:
		return "wait_simultaneous"
	case OpWaitConsecutive:
		return "wait_consecutive"
	case OpNewDay:
		return "new_day"
	case OpLogout:
		return "logout"
	}
	return fmt.Sprintf("unknown_%d", opcode)
}

// WriteRequest writes one full request frame. The caller is responsible for
// flushing and for serializing concurrent writers.
func WriteRequest(w io.Writer, requestID int32, req Request) error {
	if err := WriteInt32(w, requestID); err != nil {
		return err
	}
	if err := WriteByte(w, req.Opcode()); err != nil {
		return err
	}
	return req.encodeOperands(w)
}

// ReadRequestHeader reads the (requestId, opcode) prefix of a request frame.
// io.EOF on the very first byte means the peer closed between frames.
func ReadRequestHeader(r io.Reader) (requestID int32, opcode byte, err error) {
	requestID, err = ReadInt32(r)
	if err != nil {
		return 0, 0, err
	}
	opcode, err = ReadByte(r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, err
	}
	return requestID, opcode, nil
}

// ReadRequestOperands decodes the operands for opcode. The frame layout is
// length-implicit, so an unknown opcode makes the rest of the stream
// unframeable and is returned as an error.
func ReadRequestOperands(r io.Reader, opcode byte) (Request, error) {
	decode, ok := requestDecoders[opcode]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownOpcode, opcode)
	}
	return decode(r)
}
