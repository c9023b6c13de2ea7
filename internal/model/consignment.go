package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type ConsignmentStatus string

const (
	ConsignmentActive    ConsignmentStatus = "active"
	ConsignmentPaused    ConsignmentStatus = "paused"
	ConsignmentDepleted  ConsignmentStatus = "depleted"
	ConsignmentWithdrawn ConsignmentStatus = "withdrawn"
)

const MaxBps = 10000

// Consignment is a lot of fungible token inventory listed for discounted sale.
type Consignment struct {
	ID                    string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Chain                 string `gorm:"type:varchar(32);index;not null" json:"chain"`
	ContractConsignmentID string `gorm:"type:varchar(96);index" json:"contractConsignmentId,omitempty"`
	TokenID               string `gorm:"type:varchar(96);index;not null" json:"tokenId"`
	TokenDecimals         int32  `json:"tokenDecimals"`
	ConsignerAddress      string `gorm:"type:varchar(96);index;not null" json:"consignerAddress"`

	TotalAmount     Amount `gorm:"not null" json:"totalAmount"`
	RemainingAmount Amount `gorm:"not null" json:"remainingAmount"`

	IsNegotiable     bool `json:"isNegotiable"`
	FixedDiscountBps int  `json:"fixedDiscountBps"`
	FixedLockupDays  int  `json:"fixedLockupDays"`
	MinDiscountBps   int  `json:"minDiscountBps"`
	MaxDiscountBps   int  `json:"maxDiscountBps"`
	MinLockupDays    int  `json:"minLockupDays"`
	MaxLockupDays    int  `json:"maxLockupDays"`

	MinDealAmount Amount `gorm:"not null" json:"minDealAmount"`
	MaxDealAmount Amount `gorm:"not null" json:"maxDealAmount"`

	MaxPriceVolatilityBps   int   `json:"maxPriceVolatilityBps"`
	MaxTimeToExecuteSeconds int64 `json:"maxTimeToExecuteSeconds"`

	// Kept off-chain; the escrow call does not take these.
	IsFractionalized bool                        `json:"isFractionalized"`
	IsPrivate        bool                        `json:"isPrivate"`
	AllowedBuyers    datatypes.JSONSlice[string] `json:"allowedBuyers,omitempty"`

	Status       ConsignmentStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	CreateTxHash string            `gorm:"type:varchar(128)" json:"createTxHash,omitempty"`
	WithdrawnAt  *time.Time        `json:"withdrawnAt,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Validate checks the structural invariants of a consignment record.
func (c *Consignment) Validate() error {
	if c.TotalAmount.Sign() <= 0 {
		return fmt.Errorf("totalAmount must be positive")
	}
	if c.RemainingAmount.Sign() < 0 || c.RemainingAmount.Cmp(c.TotalAmount) > 0 {
		return fmt.Errorf("remainingAmount must be within [0, totalAmount]")
	}
	if c.MinDealAmount.Cmp(c.MaxDealAmount) > 0 {
		return fmt.Errorf("minDealAmount exceeds maxDealAmount")
	}
	if c.MaxDealAmount.Cmp(c.TotalAmount) > 0 {
		return fmt.Errorf("maxDealAmount exceeds totalAmount")
	}
	if err := checkBps("maxPriceVolatilityBps", c.MaxPriceVolatilityBps); err != nil {
		return err
	}
	if c.MaxTimeToExecuteSeconds < 0 {
		return fmt.Errorf("maxTimeToExecuteSeconds must be non-negative")
	}
	if c.IsNegotiable {
		if err := checkBps("minDiscountBps", c.MinDiscountBps); err != nil {
			return err
		}
		if err := checkBps("maxDiscountBps", c.MaxDiscountBps); err != nil {
			return err
		}
		if c.MinDiscountBps > c.MaxDiscountBps {
			return fmt.Errorf("minDiscountBps exceeds maxDiscountBps")
		}
		if c.MinLockupDays < 0 || c.MinLockupDays > c.MaxLockupDays {
			return fmt.Errorf("minLockupDays must be within [0, maxLockupDays]")
		}
		return nil
	}
	if err := checkBps("fixedDiscountBps", c.FixedDiscountBps); err != nil {
		return err
	}
	if c.FixedLockupDays < 0 {
		return fmt.Errorf("fixedLockupDays must be non-negative")
	}
	return nil
}

// Available reports whether new reservations may be taken against this lot.
func (c *Consignment) Available() bool {
	return c.Status == ConsignmentActive
}

// ExecuteWindow is how long a reservation may stay unresolved before it is swept.
func (c *Consignment) ExecuteWindow(fallback time.Duration) time.Duration {
	if c.MaxTimeToExecuteSeconds > 0 {
		return time.Duration(c.MaxTimeToExecuteSeconds) * time.Second
	}
	return fallback
}

func checkBps(field string, v int) error {
	if v < 0 || v > MaxBps {
		return fmt.Errorf("%s must be within [0, %d]", field, MaxBps)
	}
	return nil
}
