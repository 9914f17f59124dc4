package storefront

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/stream"
)

// SaveOrder appends order under orders and returns the order id.
func (s *Storefront) SaveOrder(ctx context.Context, order payload.Order) (string, error) {
	id, err := s.push(ctx, constants.OrdersPath, order)
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("order", id).Msg("order saved")
	return id, nil
}

// Order streams the order with id. Absent snapshots are skipped, so the first
// value is the order itself.
func (s *Storefront) Order(ctx context.Context, id string, opts ...stream.Option) (*stream.Stream, error) {
	opts = append(opts, stream.WithFilter(stream.Present))
	return s.registry.Subscribe(ctx, constants.OrdersPath, id, opts...)
}

// RequestPayment appends a payment request for the payment processor. The
// processor answers under token-response with the returned key.
func (s *Storefront) RequestPayment(ctx context.Context, data any, method string) (string, error) {
	if method == "" {
		return "", fmt.Errorf("%w: payment method is required", constants.ErrMalformedPayload)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: payment data: %v", constants.ErrMalformedPayload, err)
	}
	key, err := s.client.Push(ctx, constants.TokenRequestsPath, payload.PaymentRequest{Data: raw, PayMethod: method})
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("payment", key).Str("method", method).Msg("payment requested")
	return key, nil
}

// PaymentResponses streams the processor's answers for paymentKey, skipping
// absent snapshots. Like every registry watch it replaces an earlier stream
// for the same key.
func (s *Storefront) PaymentResponses(ctx context.Context, paymentKey string, opts ...stream.Option) (*stream.Stream, error) {
	opts = append(opts, stream.WithFilter(stream.Present))
	return s.registry.Subscribe(ctx, constants.TokenResponsePath, paymentKey, opts...)
}

// AwaitPayment waits for the first answer to paymentKey.
func (s *Storefront) AwaitPayment(ctx context.Context, paymentKey string) (*payload.PaymentResponse, error) {
	st, err := s.PaymentResponses(ctx, paymentKey)
	if err != nil {
		return nil, err
	}
	snap, err := stream.First(ctx, st, nil)
	if err != nil {
		return nil, err
	}
	res, err := stream.Decode[payload.PaymentResponse](snap)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
