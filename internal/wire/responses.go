package wire

import (
	"fmt"
	"io"
)

// AckResponse is the empty OK payload (login, register, add sale, new day,
// logout).
type AckResponse struct{}

// ValueResponse carries the float64 result of an aggregate query.
type ValueResponse struct {
	Value float64
}

// MatchResponse is the simultaneous-wait result.
type MatchResponse struct {
	Matched bool
}

// ConsecutiveResponse is the consecutive-wait result; ProductID is only on
// the wire when Found is true.
type ConsecutiveResponse struct {
	Found     bool
	ProductID string
}

// Sale is one event row in a filter-events payload.
type Sale struct {
	ProductID string
	Quantity  int32
	Price     float64
}

// EventsResponse is the filter-events payload: a product table of distinct
// ids in first-appearance order, then one (index, quantity, price) row per
// event.
type EventsResponse struct {
	Sales []Sale
}

func (AckResponse) encodePayload(io.Writer) error { return nil }

func decodeAck(io.Reader) (Response, error) { return AckResponse{}, nil }

func (p ValueResponse) encodePayload(w io.Writer) error {
	return WriteFloat64(w, p.Value)
}

func (p MatchResponse) encodePayload(w io.Writer) error {
	return WriteBool(w, p.Matched)
}

func (p ConsecutiveResponse) encodePayload(w io.Writer) error {
	if err := WriteBool(w, p.Found); err != nil {
		return err
	}
	if !p.Found {
		return nil
	}
	return WriteString(w, p.ProductID)
}

func (p EventsResponse) encodePayload(w io.Writer) error {
	table := make([]string, 0, len(p.Sales))
	index := make(map[string]int32, len(p.Sales))
	for _, s := range p.Sales {
		if _, ok := index[s.ProductID]; !ok {
			index[s.ProductID] = int32(len(table))
			table = append(table, s.ProductID)
		}
	}

	if err := WriteInt32(w, int32(len(table))); err != nil {
		return err
	}
	for _, id := range table {
		if err := WriteString(w, id); err != nil {
			return err
		}
	}

	if err := WriteInt32(w, int32(len(p.Sales))); err != nil {
		return err
	}
	for _, s := range p.Sales {
		if err := WriteInt32(w, index[s.ProductID]); err != nil {
			return err
		}
		if err := WriteInt32(w, s.Quantity); err != nil {
			return err
		}
		if err := WriteFloat64(w, s.Price); err != nil {
			return err
		}
	}
	return nil
}

// responseDecoders maps the opcode of the originating request to the decoder
// for its OK payload.
var responseDecoders = map[byte]func(io.Reader) (Response, error){
	OpLogin:    decodeAck,
	OpRegister: decodeAck,
	OpAddSale:  decodeAck,
	OpNewDay:   decodeAck,
	OpLogout:   decodeAck,
	OpAggregate: func(r io.Reader) (Response, error) {
		v, err := ReadFloat64(r)
		if err != nil {
			return nil, err
		}
		return ValueResponse{Value: v}, nil
	},
	OpWaitSimultaneous: func(r io.Reader) (Response, error) {
		m, err := ReadBool(r)
		if err != nil {
			return nil, err
		}
		return MatchResponse{Matched: m}, nil
	},
	OpWaitConsecutive: func(r io.Reader) (Response, error) {
		found, err := ReadBool(r)
		if err != nil {
			return nil, err
		}
		p := ConsecutiveResponse{Found: found}
		if found {
			if p.ProductID, err = ReadString(r); err != nil {
				return nil, err
			}
		}
		return p, nil
	},
	OpFilterEvents: func(r io.Reader) (Response, error) {
		n, err := ReadInt32(r)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("negative product table size %d", n)
		}
		table := make([]string, n)
		for i := range table {
			if table[i], err = ReadString(r); err != nil {
				return nil, err
			}
		}

		count, err := ReadInt32(r)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, fmt.Errorf("negative event count %d", count)
		}
		var p EventsResponse
		for i := int32(0); i < count; i++ {
			idx, err := ReadInt32(r)
			if err != nil {
				return nil, err
			}
			if idx < 0 || idx >= n {
				return nil, fmt.Errorf("product index %d out of table range %d", idx, n)
			}
			qty, err := ReadInt32(r)
			if err != nil {
				return nil, err
			}
			price, err := ReadFloat64(r)
			if err != nil {
				return nil, err
			}
			p.Sales = append(p.Sales, Sale{ProductID: table[idx], Quantity: qty, Price: price})
		}
		return p, nil
	},
}

// WriteOK writes one full OK response frame.
func WriteOK(w io.Writer, requestID int32, resp Response) error {
	if err := WriteInt32(w, requestID); err != nil {
		return err
	}
	if err := WriteByte(w, StatusOK); err != nil {
		return err
	}
	return resp.encodePayload(w)
}

// WriteError writes one full ERROR response frame carrying msg.
func WriteError(w io.Writer, requestID int32, msg string) error {
	if err := WriteInt32(w, requestID); err != nil {
		return err
	}
	if err := WriteByte(w, StatusError); err != nil {
		return err
	}
	return WriteString(w, msg)
}

// ReadResponseHeader reads the (requestId, status) prefix of a response.
func ReadResponseHeader(r io.Reader) (requestID int32, status byte, err error) {
	requestID, err = ReadInt32(r)
	if err != nil {
		return 0, 0, err
	}
	status, err = ReadByte(r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, err
	}
	return requestID, status, nil
}

// ReadOKPayload decodes the OK payload for a response to opcode.
func ReadOKPayload(r io.Reader, opcode byte) (Response, error) {
	decode, ok := responseDecoders[opcode]
	if !ok {
		return nil, fmt.Errorf("no payload decoder for opcode %d", opcode)
	}
	return decode(r)
}

// ReadErrorMessage decodes the ERROR payload.
func ReadErrorMessage(r io.Reader) (string, error) {
	return ReadString(r)
}
