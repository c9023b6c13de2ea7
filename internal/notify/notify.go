// Package notify fans offer lifecycle events out to other services. Delivery
// is best effort: a failed publish is logged and never fails the operation
// that produced it.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Event subjects, relative to the configured prefix and chain.
const (
	OfferCreated        = "offer.created"
	OfferApproved       = "offer.approved"
	OfferPaid           = "offer.paid"
	OfferFulfilled      = "offer.fulfilled"
	OfferCancelled      = "offer.cancelled"
	OfferRefunded       = "offer.refunded"
	OfferPriceDeviation = "offer.price_deviation"
	ChainReset          = "chain.reset"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// OfferEvent is the payload of every offer.* subject.
type OfferEvent struct {
	OfferID         string    `json:"offerId"`
	Chain           string    `json:"chain"`
	ContractOfferID string    `json:"contractOfferId,omitempty"`
	ConsignmentID   string    `json:"consignmentId"`
	Status          string    `json:"status"`
	TxHash          string    `json:"txHash,omitempty"`
	DeviationBps    string    `json:"deviationBps,omitempty"`
	QuoteExpired    bool      `json:"quoteExpiredAtPayment,omitempty"`
	At              time.Time `json:"at"`
}

// Subject builds "<prefix>.<chain>.<event>".
func Subject(prefix, chain, event string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, strings.ToLower(chain), event} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }

// Recorder keeps published messages in memory. Used by tests and dev mode.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

type Message struct {
	Subject string
	Payload any
}

func (r *Recorder) Publish(_ context.Context, subject string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{Subject: subject, Payload: payload})
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// Subjects lists published subjects in order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Subject)
	}
	return out
}
