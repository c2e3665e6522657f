package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string
	StoreID   string
	Name      string
	Inventory int64
	Price     decimal.Decimal
	Version   int64 // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type User struct {
	ID        string
	Name      string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}
