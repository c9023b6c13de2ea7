package model

import "time"

// IdempotencyKey stores a replayable response for X-Idempotency-Key requests.
type IdempotencyKey struct {
	Key        string `gorm:"primaryKey;size:255"`
	StatusCode int    `gorm:"not null;default:0"`
	Response   []byte
	Processing bool      `gorm:"not null"`
	CreatedAt  time.Time `gorm:"index"`
}
