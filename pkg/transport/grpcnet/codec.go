package grpcnet

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype the fabric's calls are forced to.
const codecName = "gob"

// gobCodec is the wire codec for the fabric service. The request and
// response types are plain Go structs, so gob is registered as a grpc
// codec instead of generating protobuf stubs.
type gobCodec struct{}

func (gobCodec) Name() string { return codecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("grpcnet: encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("grpcnet: decode %T: %w", v, err)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// Wire messages. Every fabric RPC is unary.

type putRequest struct {
	Comm   uint64
	Win    uint32
	Offset uint64
	Data   []byte
}

type getRequest struct {
	Comm   uint64
	Win    uint32
	Offset uint64
	Length int
}

type getResponse struct {
	Data []byte
}

type accumulateRequest struct {
	Comm     uint64
	Win      uint32
	Offset   uint64
	Data     []byte
	ElemSize int
	Float    bool
	Signed   bool
	Op       int
}

type fetchOpRequest struct {
	Comm     uint64
	Win      uint32
	Offset   uint64
	Operand  []byte
	ElemSize int
	Float    bool
	Signed   bool
	Op       int
}

type fetchOpResponse struct {
	Prior []byte
}

type compareSwapRequest struct {
	Comm    uint64
	Win     uint32
	Offset  uint64
	Expect  []byte
	Desired []byte
}

type compareSwapResponse struct {
	Prior []byte
}

type lockRequest struct {
	Comm      uint64
	Win       uint32
	Origin    int32
	Exclusive bool
}

type unlockRequest struct {
	Comm   uint64
	Win    uint32
	Origin int32
}

type collExchangeRequest struct {
	Comm    uint64
	Seq     uint64
	Rank    int32
	Size    int32
	Payload []byte
}

type collExchangeResponse struct {
	// Contrib holds every rank's payload in rank order.
	Contrib [][]byte
}

type createWindowRequest struct {
	Comm uint64
	Win  uint32
	Size uint64
}

type freeWindowRequest struct {
	Comm uint64
	Win  uint32
}

type emptyResponse struct{}
