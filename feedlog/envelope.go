package feedlog

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/louisbranch/tidepool/message"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// Envelope is the payload stored in a log record: the signed canonical
// message bytes plus at-rest metadata. Short CBOR field names keep records
// compact; the Peek helpers decode single fields without materializing the
// whole envelope.
type Envelope struct {
	Key       message.Ref    `cbor:"key"`     // message identity
	Author    message.FeedID `cbor:"author"`  // feed owner
	Sequence  uint64         `cbor:"seq"`     // author's feed sequence
	Timestamp int64          `cbor:"ts"`      // message timestamp, unix millis
	Received  int64          `cbor:"rts"`     // local receive time, unix millis
	Raw       []byte         `cbor:"raw"`     // canonical message bytes, queryable form
	Private   bool           `cbor:"private"` // content was boxed and locally opened
	Box       []byte         `cbor:"box,omitempty"` // original boxed content, when Private
}

var encMode, _ = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := encMode.Marshal(e)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIoFailure, "encode envelope", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes a full envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIoFailure, "decode envelope", err)
	}
	return &e, nil
}

// PeekKey extracts only the message identity from envelope bytes.
func PeekKey(data []byte) (message.Ref, error) {
	var partial struct {
		Key message.Ref `cbor:"key"`
	}
	if err := cbor.Unmarshal(data, &partial); err != nil {
		return "", apperrors.Wrap(apperrors.CodeIoFailure, "peek envelope key", err)
	}
	return partial.Key, nil
}

// PeekAuthor extracts the author and feed sequence from envelope bytes.
func PeekAuthor(data []byte) (message.FeedID, uint64, error) {
	var partial struct {
		Author   message.FeedID `cbor:"author"`
		Sequence uint64         `cbor:"seq"`
	}
	if err := cbor.Unmarshal(data, &partial); err != nil {
		return "", 0, apperrors.Wrap(apperrors.CodeIoFailure, "peek envelope author", err)
	}
	return partial.Author, partial.Sequence, nil
}

// PeekRaw extracts only the canonical message bytes from envelope bytes.
func PeekRaw(data []byte) ([]byte, error) {
	var partial struct {
		Raw cbor.RawMessage `cbor:"raw"`
	}
	if err := cbor.Unmarshal(data, &partial); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIoFailure, "peek envelope raw", err)
	}
	var raw []byte
	if err := cbor.Unmarshal(partial.Raw, &raw); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIoFailure, "decode envelope raw", err)
	}
	return raw, nil
}
