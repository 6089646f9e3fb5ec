package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/storage"
	"github.com/bher20/wargabill/internal/tariff"
)

func TestRecordReading_NewBill(t *testing.T) {
	f := newFixture(t)
	r := f.resident(t, "A1", 100)

	var seen []changefeed.Change
	f.feed.Subscribe(storage.CollectionBills, func(c changefeed.Change) { seen = append(seen, c) })

	res := f.reading(t, r.ID, 3, 2025, 115)

	assert.Equal(t, "meter-"+r.ID+"-3-2025", res.Reading.ID)
	assert.Equal(t, int64(100), res.Reading.PrevMeterValue)
	assert.Equal(t, int64(15), res.Reading.Usage)

	b := res.Bill
	assert.Equal(t, BillID(r.ID, 3, 2025), b.ID)
	assert.Equal(t, int64(15), b.WaterUsage)
	assert.Equal(t, int64(57500), b.WaterCost)
	assert.Equal(t, int64(145000), b.IPLCost)
	assert.Equal(t, int64(20000), b.KasRTCost)
	assert.Equal(t, int64(15000), b.AbodemenCost)
	assert.Equal(t, int64(237500), b.Total)
	assert.Equal(t, storage.BillUnpaid, b.Status)
	assert.Equal(t, storage.BillSourceMeter, b.Source)

	require.Len(t, seen, 1)
	assert.Equal(t, changefeed.OpCreate, seen[0].Op)
}

func TestRecordReading_PreviousReadingAndArrearsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r, err := f.svc.CreateResident(ctx, ResidentInput{HouseNo: "B2", Name: "Sari", InitialMeter: 50, InitialArrears: 10000})
	require.NoError(t, err)

	f.reading(t, r.ID, 1, 2025, 60)
	res := f.reading(t, r.ID, 2, 2025, 64)

	assert.Equal(t, int64(60), res.Reading.PrevMeterValue)
	assert.Equal(t, int64(4), res.Bill.WaterUsage)
	assert.Equal(t, int64(10000), res.Bill.Arrears)
	assert.Equal(t, int64(180000+4*3500+10000), res.Bill.Total)
}

func TestRecordReading_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.resident(t, "A1", 100)

	tests := []struct {
		name string
		in   ReadingInput
		code Code
	}{
		{"bad month", ReadingInput{ResidentID: r.ID, Month: 0, Year: 2025, MeterValue: 120}, CodeValidation},
		{"negative meter", ReadingInput{ResidentID: r.ID, Month: 3, Year: 2025, MeterValue: -1}, CodeValidation},
		{"meter went backwards", ReadingInput{ResidentID: r.ID, Month: 3, Year: 2025, MeterValue: 99}, CodeValidation},
		{"unknown resident", ReadingInput{ResidentID: "ghost", Month: 3, Year: 2025, MeterValue: 120}, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordReading(ctx, tt.in)
			assert.True(t, IsCode(err, tt.code), "got %v", err)
		})
	}

	bills, err := f.store.ListBills(ctx, storage.BillFilter{})
	require.NoError(t, err)
	assert.Empty(t, bills)
	readings, err := f.store.ListMeterReadings(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestRecordReading_RerecordKeepsPaymentState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.resident(t, "A1", 100)
	first := f.reading(t, r.ID, 3, 2025, 110)

	_, err := f.svc.PayBill(ctx, PaymentInput{BillID: first.Bill.ID, AmountPaid: first.Bill.Total, Method: storage.MethodCash})
	require.NoError(t, err)

	second := f.reading(t, r.ID, 3, 2025, 120)
	assert.Equal(t, first.Bill.ID, second.Bill.ID)
	assert.Equal(t, int64(20), second.Bill.WaterUsage)
	assert.Equal(t, storage.BillPaid, second.Bill.Status)
	assert.Equal(t, first.Bill.Total, second.Bill.PaidAmount)
	assert.Equal(t, first.Bill.Arrears, second.Bill.Arrears)

	bills, err := f.store.ListBills(ctx, storage.BillFilter{ResidentID: r.ID})
	require.NoError(t, err)
	assert.Len(t, bills, 1)
}

func TestRecordReading_ManualBillConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.resident(t, "A1", 100)
	_, err := f.svc.SubmitManualArrear(ctx, ArrearInput{ResidentID: r.ID, Month: 3, Year: 2025, Amount: 90000}, OnConflictPrompt)
	require.NoError(t, err)

	_, err = f.svc.RecordReading(ctx, ReadingInput{ResidentID: r.ID, Month: 3, Year: 2025, MeterValue: 110})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(90000), conflict.Existing.Total)

	readings, err := f.store.ListMeterReadings(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, readings, "reading is rolled back with the bill")
}

func TestUpdateReading(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.resident(t, "A1", 100)
	rec := f.reading(t, r.ID, 3, 2025, 105)

	res, err := f.svc.UpdateReading(ctx, rec.Reading.ID, 112)
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Reading.Usage)
	assert.Equal(t, int64(12), res.Bill.WaterUsage)
	assert.Equal(t, tariff.WaterCost(12, tariff.Default().WaterRate), res.Bill.WaterCost)
	assert.Equal(t, storage.BillUnpaid, res.Bill.Status)

	_, err = f.svc.UpdateReading(ctx, rec.Reading.ID, 99)
	assert.True(t, IsCode(err, CodeValidation))

	_, err = f.svc.UpdateReading(ctx, "meter-missing", 200)
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestUpdateReading_PaidBillStaysPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.resident(t, "A1", 100)
	rec := f.reading(t, r.ID, 3, 2025, 105)
	_, err := f.svc.PayBill(ctx, PaymentInput{BillID: rec.Bill.ID, AmountPaid: rec.Bill.Total, Method: storage.MethodCash})
	require.NoError(t, err)

	res, err := f.svc.UpdateReading(ctx, rec.Reading.ID, 130)
	require.NoError(t, err)
	assert.Equal(t, storage.BillPaid, res.Bill.Status)
	assert.Equal(t, rec.Bill.Total, res.Bill.PaidAmount)
	assert.NotEqual(t, res.Bill.Total, res.Bill.PaidAmount)
}

func TestDeleteReading(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.resident(t, "A1", 100)
	rec := f.reading(t, r.ID, 3, 2025, 105)

	require.NoError(t, f.svc.DeleteReading(ctx, rec.Reading.ID))

	b, err := f.store.GetBill(ctx, rec.Bill.ID)
	require.NoError(t, err)
	assert.Nil(t, b)
	m, err := f.store.GetMeterReadingByID(ctx, rec.Reading.ID)
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.True(t, IsCode(f.svc.DeleteReading(ctx, rec.Reading.ID), CodeNotFound))
}

func TestRecordReading_UsesSavedTariffAndProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cfg := tariff.Default()
	cfg.CustomFees = []tariff.CustomFee{{ID: "security", Name: "Keamanan", Amount: 25000}}
	_, err := f.svc.SaveTariff(ctx, cfg)
	require.NoError(t, err)

	r, err := f.svc.CreateResident(ctx, ResidentInput{
		HouseNo:          "C3",
		Name:             "Joko",
		InitialMeter:     0,
		IsDispensation:   true,
		Exemptions:       []string{string(tariff.FeeIPL)},
		ActiveCustomFees: []string{"security"},
	})
	require.NoError(t, err)

	res := f.reading(t, r.ID, 3, 2025, 10)
	assert.Zero(t, res.Bill.IPLCost)
	assert.Equal(t, int64(25000), res.Bill.ExtraCost)
	assert.Equal(t, int64(20000+15000+25000+35000), res.Bill.Total)
}
