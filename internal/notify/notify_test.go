package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "otc.base.offer.created", Subject("otc", "Base", OfferCreated))
	assert.Equal(t, "solana.offer.paid", Subject("", "solana", OfferPaid))
	assert.Equal(t, "chain.reset", Subject("", "", ChainReset))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	assert.NoError(t, r.Publish(ctx, "base.offer.created", OfferEvent{OfferID: "o1"}))
	assert.NoError(t, r.Publish(ctx, "base.offer.approved", OfferEvent{OfferID: "o1"}))
	assert.Equal(t, []string{"base.offer.created", "base.offer.approved"}, r.Subjects())

	msgs := r.Messages()
	msgs[0].Subject = "mutated"
	assert.Equal(t, "base.offer.created", r.Messages()[0].Subject)

	assert.NoError(t, Noop{}.Publish(ctx, "x", nil))
}
