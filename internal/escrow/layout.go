package escrow

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mbd888/settle/internal/keys"
	sha256 "github.com/minio/sha256-simd"
)

// RecordSize is the encoded size of an escrow record.
const RecordSize = 147

// Field offsets within an encoded record. All integers are little-endian.
const (
	offDiscriminator = 0
	offBuyer         = 8
	offSeller        = 40
	offAuthority     = 72
	offTotal         = 104
	offFee           = 112
	offNet           = 120
	offStage         = 128
	offInitialized   = 129
	offBump          = 130
	offCreatedAt     = 131
	offCompletedAt   = 139
)

// Discriminator tags the data of every escrow custody account.
var Discriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("account:EscrowState"))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}()

// encodeRecord writes the persisted form of e. Custody and TransactionID are
// not part of the record.
func encodeRecord(e *Escrow) []byte {
	buf := make([]byte, RecordSize)
	copy(buf[offDiscriminator:], Discriminator[:])
	copy(buf[offBuyer:], e.Buyer[:])
	copy(buf[offSeller:], e.Seller[:])
	copy(buf[offAuthority:], e.Authority[:])
	binary.LittleEndian.PutUint64(buf[offTotal:], e.TotalAmount)
	binary.LittleEndian.PutUint64(buf[offFee:], e.FeeAmount)
	binary.LittleEndian.PutUint64(buf[offNet:], e.NetAmount)
	buf[offStage] = byte(e.Stage)
	if e.Initialized {
		buf[offInitialized] = 1
	}
	buf[offBump] = e.Bump
	binary.LittleEndian.PutUint64(buf[offCreatedAt:], uint64(e.CreatedAt))
	binary.LittleEndian.PutUint64(buf[offCompletedAt:], uint64(e.CompletedAt))
	return buf
}

// decodeRecord parses the data of a custody account. A freshly allocated,
// all-zero region decodes to ErrNotInitialized.
func decodeRecord(data []byte) (*Escrow, error) {
	if len(data) != RecordSize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidRecord, len(data))
	}
	if isZero(data) {
		return nil, ErrNotInitialized
	}
	if !bytes.Equal(data[offDiscriminator:offDiscriminator+8], Discriminator[:]) {
		return nil, fmt.Errorf("%w: discriminator mismatch", ErrInvalidRecord)
	}

	e := &Escrow{
		TotalAmount: binary.LittleEndian.Uint64(data[offTotal:]),
		FeeAmount:   binary.LittleEndian.Uint64(data[offFee:]),
		NetAmount:   binary.LittleEndian.Uint64(data[offNet:]),
		Stage:       Stage(data[offStage]),
		Bump:        data[offBump],
		CreatedAt:   int64(binary.LittleEndian.Uint64(data[offCreatedAt:])),
		CompletedAt: int64(binary.LittleEndian.Uint64(data[offCompletedAt:])),
	}
	copy(e.Buyer[:], data[offBuyer:offBuyer+keys.Size])
	copy(e.Seller[:], data[offSeller:offSeller+keys.Size])
	copy(e.Authority[:], data[offAuthority:offAuthority+keys.Size])

	if !e.Stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %d", ErrInvalidRecord, data[offStage])
	}
	switch data[offInitialized] {
	case 0:
	case 1:
		e.Initialized = true
	default:
		return nil, fmt.Errorf("%w: initialized byte %d", ErrInvalidRecord, data[offInitialized])
	}
	return e, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
