package solana

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

const discriminatorSize = bin.ACCOUNT_DISCRIMINATOR_SIZE

var errDiscriminator = errors.New("borsh: discriminator mismatch")

func instructionDisc(name string) []byte { return bin.Sighash(bin.SIGHASH_GLOBAL_NAMESPACE, name) }
func eventDisc(name string) []byte       { return bin.Sighash("event", name) }
func accountDisc(name string) []byte     { return bin.Sighash(bin.SIGHASH_ACCOUNT_NAMESPACE, name) }

// instructionData is the Anchor wire form: discriminator then Borsh args.
func instructionData(name string, args any) ([]byte, error) {
	out := append([]byte(nil), instructionDisc(name)...)
	if args == nil {
		return out, nil
	}
	enc, err := bin.MarshalBorsh(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}
	return append(out, enc...), nil
}

// decodeTagged checks the 8-byte discriminator and Borsh-decodes the rest into v.
func decodeTagged(data, disc []byte, v any) error {
	if len(data) < discriminatorSize {
		return fmt.Errorf("borsh: %d bytes is shorter than a discriminator", len(data))
	}
	if !bytes.Equal(data[:discriminatorSize], disc) {
		return errDiscriminator
	}
	return bin.NewBorshDecoder(data[discriminatorSize:]).Decode(v)
}

type approveOfferArgs struct {
	OfferID uint64
}

// createConsignmentArgs lists only the leading field the coordinator reads back.
type createConsignmentArgs struct {
	Amount uint64
}
