package domain

import "time"

type Space struct {
	ID              int64
	HostID          int64
	Name            string
	City            *string
	Address         *string
	TotalAreaM2     int64
	AvailableAreaM2 int64
	Prices          PriceTable
	CreatedAt       time.Time
}
