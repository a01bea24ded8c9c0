package auctionapi

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
)

// KindHeader carries the apperr kind of a failed call.
const KindHeader = "Auction-Error-Kind"

// toConnectError maps an app error to the connect code its kind implies.
func toConnectError(err error) error {
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return connectErr
	}

	kind := apperr.KindOf(err)
	var code connect.Code
	switch kind {
	case apperr.KindValidation:
		code = connect.CodeInvalidArgument
	case apperr.KindNotFound:
		code = connect.CodeNotFound
	case apperr.KindContention:
		code = connect.CodeAborted
	case apperr.KindResource:
		code = connect.CodeFailedPrecondition
	case apperr.KindPartialFailure:
		code = connect.CodeUnavailable
	case apperr.KindFatal:
		code = connect.CodeInternal
	default:
		switch {
		case errors.Is(err, context.Canceled):
			code = connect.CodeCanceled
		case errors.Is(err, context.DeadlineExceeded):
			code = connect.CodeDeadlineExceeded
		default:
			code = connect.CodeInternal
		}
	}

	out := connect.NewError(code, err)
	out.Meta().Set(KindHeader, kind.String())
	return out
}

func invalidArgument(msg string) error {
	return connect.NewError(connect.CodeInvalidArgument, errors.New(msg))
}
