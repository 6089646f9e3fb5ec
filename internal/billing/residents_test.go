package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bher20/wargabill/internal/storage"
)

func TestCreateResident(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.svc.CreateResident(ctx, ResidentInput{HouseNo: " A1 ", Name: "Budi", InitialArrears: 25000, Exemptions: []string{"IPL"}})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "A1", r.HouseNo)
	assert.Equal(t, int64(25000), r.InitialArrears)
	assert.Equal(t, []string{}, r.ActiveCustomFees)

	_, err = f.svc.CreateResident(ctx, ResidentInput{HouseNo: "A1", Name: "Tono"})
	assert.True(t, IsCode(err, CodeValidation), "house number is unique")

	_, err = f.svc.CreateResident(ctx, ResidentInput{HouseNo: "A2", Name: "Tono", Exemptions: []string{"PARKING"}})
	assert.True(t, IsCode(err, CodeValidation))

	_, err = f.svc.CreateResident(ctx, ResidentInput{HouseNo: "A3"})
	assert.True(t, IsCode(err, CodeValidation))
}

func TestCreateResident_DropsRepeatedFees(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.svc.CreateResident(ctx, ResidentInput{
		HouseNo:          "A1",
		Name:             "Budi",
		IsDispensation:   true,
		Exemptions:       []string{"IPL", "IPL"},
		ActiveCustomFees: []string{"trash", "security", "trash"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"IPL"}, r.Exemptions)
	assert.Equal(t, []string{"trash", "security"}, r.ActiveCustomFees)
}

func TestUpdateResident_KeepsArrears(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r, err := f.svc.CreateResident(ctx, ResidentInput{HouseNo: "A1", Name: "Budi", InitialArrears: 25000})
	require.NoError(t, err)
	f.resident(t, "A2", 0)

	updated, err := f.svc.UpdateResident(ctx, r.ID, ResidentInput{HouseNo: "A1", Name: "Budi Santoso", InitialArrears: 0, IsDispensation: true})
	require.NoError(t, err)
	assert.Equal(t, "Budi Santoso", updated.Name)
	assert.True(t, updated.IsDispensation)
	assert.Equal(t, int64(25000), updated.InitialArrears)
	assert.Equal(t, int64(25000), f.arrears(t, r.ID))

	_, err = f.svc.UpdateResident(ctx, r.ID, ResidentInput{HouseNo: "A2", Name: "Budi"})
	assert.True(t, IsCode(err, CodeValidation))

	_, err = f.svc.UpdateResident(ctx, "ghost", ResidentInput{HouseNo: "Z9", Name: "Nobody"})
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestDeleteResident(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	billed := f.resident(t, "A1", 0)
	f.reading(t, billed.ID, 3, 2025, 5)
	idle := f.resident(t, "A2", 0)

	assert.True(t, IsCode(f.svc.DeleteResident(ctx, billed.ID), CodeReferenced))
	require.NoError(t, f.svc.DeleteResident(ctx, idle.ID))
	assert.True(t, IsCode(f.svc.DeleteResident(ctx, idle.ID), CodeNotFound))

	_, err := f.svc.GetResident(ctx, idle.ID)
	assert.True(t, IsCode(err, CodeNotFound))

	list, err := f.svc.ListResidents(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, billed.ID, list[0].ID)
}

func TestListBills_Filters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.resident(t, "A1", 0)
	f.reading(t, r.ID, 1, 2025, 5)
	feb := f.reading(t, r.ID, 2, 2025, 9).Bill
	_, err := f.svc.PayBill(ctx, PaymentInput{BillID: feb.ID, AmountPaid: feb.Total, Method: storage.MethodCash})
	require.NoError(t, err)

	unpaid, err := f.svc.ListBills(ctx, storage.BillFilter{Status: storage.BillUnpaid})
	require.NoError(t, err)
	require.Len(t, unpaid, 1)
	assert.Equal(t, 1, unpaid[0].PeriodMonth)

	_, err = f.svc.ListBills(ctx, storage.BillFilter{Status: "LATE"})
	assert.True(t, IsCode(err, CodeValidation))
	_, err = f.svc.ListBills(ctx, storage.BillFilter{Month: 14})
	assert.True(t, IsCode(err, CodeValidation))

	_, err = f.svc.GetBatchProgress(ctx, "nope")
	assert.True(t, IsCode(err, CodeNotFound))
}
