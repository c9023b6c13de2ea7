package model

import "time"

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation holds part of a consignment for one offer until the paying
// transaction confirms (commit) or the offer dies (release).
type Reservation struct {
	ID            string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ConsignmentID string            `gorm:"type:varchar(36);index;not null" json:"consignmentId"`
	OfferID       string            `gorm:"type:varchar(36);index" json:"offerId"`
	Amount        Amount            `gorm:"not null" json:"amount"`
	Status        ReservationStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	ExpiresAt     time.Time         `gorm:"index" json:"expiresAt"`
	CreatedAt     time.Time         `json:"createdAt"`
	ResolvedAt    *time.Time        `json:"resolvedAt,omitempty"`
}

type MovementKind string

const (
	MovementReserve  MovementKind = "reserve"
	MovementRelease  MovementKind = "release"
	MovementCommit   MovementKind = "commit"
	MovementWithdraw MovementKind = "withdraw"
)

// InventoryMovement is an append-only journal row; RemainingAfter is the
// consignment balance right after the movement.
type InventoryMovement struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	ConsignmentID  string       `gorm:"type:varchar(36);index;not null" json:"consignmentId"`
	ReservationID  string       `gorm:"type:varchar(36);index" json:"reservationId,omitempty"`
	Kind           MovementKind `gorm:"type:varchar(16);not null" json:"kind"`
	Amount         Amount       `gorm:"not null" json:"amount"`
	RemainingAfter Amount       `gorm:"not null" json:"remainingAfter"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Token is a token the desk knows how to price, registered manually or by the
// pool oracle during reconciliation.
type Token struct {
	ID           string    `gorm:"primaryKey;type:varchar(140)" json:"id"` // chain:address
	Chain        string    `gorm:"type:varchar(32);index;not null" json:"chain"`
	Address      string    `gorm:"type:varchar(96);not null" json:"address"`
	Symbol       string    `gorm:"type:varchar(32)" json:"symbol,omitempty"`
	Decimals     int32     `json:"decimals"`
	PoolAddress  string    `gorm:"type:varchar(96)" json:"poolAddress,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func TokenKey(chain, address string) string {
	return chain + ":" + address
}

// ChainCursor is the last block height (slot on Solana) seen by reconciliation.
type ChainCursor struct {
	Chain       string    `gorm:"primaryKey;type:varchar(32)" json:"chain"`
	BlockNumber uint64    `json:"blockNumber"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
