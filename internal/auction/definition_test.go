package auction

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/matbid/auction-engine/internal/models"
)

func validDefinition(typ models.AuctionType) *Definition {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := &Definition{
		Title:           "test lot",
		SellerID:        uuid.New(),
		Type:            typ,
		StartingPrice:   10000,
		IncrementAmount: 1000,
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
	}
	switch typ {
	case models.AuctionTypeReserve:
		reserve := int64(20000)
		d.ReservePrice = &reserve
	case models.AuctionTypeBuyItNow:
		bin := int64(50000)
		d.BuyItNowPrice = &bin
	case models.AuctionTypeDutch:
		d.IncrementAmount = 0
		d.Dutch = &models.DutchParams{
			DecrementAmount:   500,
			DecrementInterval: time.Minute,
			MinimumPrice:      5000,
		}
	case models.AuctionTypeBulk:
		d.Bulk = &models.BulkParams{MinQuantityPerBid: 1, MaxQuantityPerBid: 10}
	}
	return d
}

func TestDefinitionValidate_AllTypes(t *testing.T) {
	for _, typ := range []models.AuctionType{
		models.AuctionTypeStandard,
		models.AuctionTypeReserve,
		models.AuctionTypeBuyItNow,
		models.AuctionTypeDutch,
		models.AuctionTypeBulk,
	} {
		check.Nil(t, validDefinition(typ).validate())
	}
}

func TestDefinitionValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
		field  string
	}{
		{
			name:   "unknown type",
			mutate: func(d *Definition) { d.Type = "RAFFLE" },
			field:  "type",
		},
		{
			name:   "missing title",
			mutate: func(d *Definition) { d.Title = "" },
			field:  "title",
		},
		{
			name:   "non-positive starting price",
			mutate: func(d *Definition) { d.StartingPrice = 0 },
			field:  "starting_price",
		},
		{
			name:   "end before start",
			mutate: func(d *Definition) { d.EndTime = d.StartTime.Add(-time.Minute) },
			field:  "end_time",
		},
		{
			name:   "missing increment",
			mutate: func(d *Definition) { d.IncrementAmount = 0 },
			field:  "increment_amount",
		},
		{
			name:   "missing reserve price",
			mutate: func(d *Definition) { d.Type = models.AuctionTypeReserve },
			field:  "reserve_price",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition(models.AuctionTypeStandard)
			tt.mutate(d)
			err := d.validate()
			assert.NotNil(t, err)
			invalid, ok := err.(*InvalidDefinitionError)
			assert.True(t, ok)
			check.Equal(t, tt.field, invalid.Field)
		})
	}
}

func TestDefinitionValidate_DutchFloor(t *testing.T) {
	d := validDefinition(models.AuctionTypeDutch)
	d.Dutch.MinimumPrice = d.StartingPrice
	err := d.validate()
	assert.NotNil(t, err)

	d = validDefinition(models.AuctionTypeDutch)
	d.Dutch.DecrementInterval = 0
	check.NotNil(t, d.validate())
}

func TestDefinitionValidate_BulkBounds(t *testing.T) {
	d := validDefinition(models.AuctionTypeBulk)
	d.Bulk.MinQuantityPerBid = 11
	check.NotNil(t, d.validate())
}

func TestNewAuction_StartsUpcoming(t *testing.T) {
	d := validDefinition(models.AuctionTypeStandard)
	now := d.StartTime.Add(time.Minute)
	a := newAuction(d, now)
	check.Equal(t, models.AuctionStatusUpcoming, a.Status)
	check.Equal(t, d.StartingPrice, a.CurrentPrice)
	check.Equal(t, uint64(0), a.SequenceNumber)
}
