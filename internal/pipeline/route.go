package pipeline

import (
	"github.com/xtxerr/feedrec/internal/codec"
	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/record"
)

// Sink stores decoded records. A storage engine is a Sink.
type Sink[T any] interface {
	Write(rec *T) error
}

// recordPtr constrains P to a pointer to T that carries a record header.
type recordPtr[T any] interface {
	*T
	record.Record
}

// route decodes one record kind and hands it to its sink.
type route interface {
	kind() record.Kind

	// dispatch decodes payload, stamps it with recvNs and stores it.
	// Decode failures are marked with a decode sentinel.
	dispatch(payload []byte, recvNs int64) error
}

type typedRoute[T any, P recordPtr[T]] struct {
	k     record.Kind
	codec codec.Codec[T]
	sink  Sink[T]

	// Decode target reused across frames. A kind is served by one
	// group, so one goroutine touches it.
	scratch T
}

func (r *typedRoute[T, P]) kind() record.Kind { return r.k }

func (r *typedRoute[T, P]) dispatch(payload []byte, recvNs int64) error {
	if err := r.codec.Decode(payload, &r.scratch); err != nil {
		return err
	}
	P(&r.scratch).Stamp(recvNs)
	if err := r.sink.Write(&r.scratch); err != nil {
		return errors.Wrapf(err, "store %s", r.k)
	}
	return nil
}

// Handle registers the decoder and sink for kind. It must be called before
// Bind.
func Handle[T any, P recordPtr[T]](p *Pipeline, kind record.Kind, c codec.Codec[T], sink Sink[T]) error {
	if c == nil || sink == nil {
		return errors.NewValidation("route", "codec and sink are required")
	}
	return p.addRoute(&typedRoute[T, P]{k: kind, codec: c, sink: sink})
}
