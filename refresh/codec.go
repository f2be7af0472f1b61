package refresh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const recordVersionV1 = 1

// record is the at-rest form of one refresh token. The secret itself is
// never stored, only its SHA-256.
type record struct {
	AccountID  string
	SecretHash [32]byte
	IssuedAt   int64
	ExpiresAt  int64
	RevokedAt  int64 // 0 while the token is live
}

var errCorruptRecord = errors.New("corrupt refresh record")

func encodeRecord(r *record) ([]byte, error) {
	if len(r.AccountID) == 0 || len(r.AccountID) > 0xFFFF {
		return nil, errCorruptRecord
	}

	var buf bytes.Buffer
	buf.WriteByte(recordVersionV1)

	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(r.AccountID)))
	buf.Write(n[:])
	buf.WriteString(r.AccountID)

	buf.Write(r.SecretHash[:])

	var ts [8]byte
	for _, v := range []int64{r.IssuedAt, r.ExpiresAt, r.RevokedAt} {
		binary.BigEndian.PutUint64(ts[:], uint64(v))
		buf.Write(ts[:])
	}

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*record, error) {
	rd := bytes.NewReader(data)

	version, err := rd.ReadByte()
	if err != nil || version != recordVersionV1 {
		return nil, errCorruptRecord
	}

	var n [2]byte
	if _, err := io.ReadFull(rd, n[:]); err != nil {
		return nil, errCorruptRecord
	}
	id := make([]byte, binary.BigEndian.Uint16(n[:]))
	if _, err := io.ReadFull(rd, id); err != nil {
		return nil, errCorruptRecord
	}

	var r record
	r.AccountID = string(id)
	if _, err := io.ReadFull(rd, r.SecretHash[:]); err != nil {
		return nil, errCorruptRecord
	}

	var ts [8]byte
	for _, dst := range []*int64{&r.IssuedAt, &r.ExpiresAt, &r.RevokedAt} {
		if _, err := io.ReadFull(rd, ts[:]); err != nil {
			return nil, errCorruptRecord
		}
		*dst = int64(binary.BigEndian.Uint64(ts[:]))
	}

	if rd.Len() != 0 || r.AccountID == "" {
		return nil, errCorruptRecord
	}
	return &r, nil
}
