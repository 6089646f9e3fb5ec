package api

import (
	"time"

	"github.com/bher20/wargabill/internal/billing"
)

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	UserID    string     `json:"user_id"`
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type residentRequest struct {
	HouseNo          string   `json:"house_no" validate:"required,max=32"`
	Name             string   `json:"name" validate:"required"`
	Phone            string   `json:"phone"`
	Email            string   `json:"email" validate:"omitempty,email"`
	InitialMeter     int64    `json:"initial_meter" validate:"gte=0"`
	InitialArrears   int64    `json:"initial_arrears"`
	IsDispensation   bool     `json:"is_dispensation"`
	Exemptions       []string `json:"exemptions" validate:"unique,dive,oneof=IPL KAS_RT WATER_ABODEMEN WATER_USAGE"`
	ActiveCustomFees []string `json:"active_custom_fees" validate:"unique"`
}

func (r residentRequest) input() billing.ResidentInput {
	return billing.ResidentInput{
		HouseNo:          r.HouseNo,
		Name:             r.Name,
		Phone:            r.Phone,
		Email:            r.Email,
		InitialMeter:     r.InitialMeter,
		InitialArrears:   r.InitialArrears,
		IsDispensation:   r.IsDispensation,
		Exemptions:       r.Exemptions,
		ActiveCustomFees: r.ActiveCustomFees,
	}
}

type readingRequest struct {
	ResidentID   string `json:"resident_id" validate:"required"`
	Month        int    `json:"month" validate:"min=1,max=12"`
	Year         int    `json:"year" validate:"min=2000,max=9999"`
	MeterValue   int64  `json:"meter_value" validate:"gte=0"`
	PhotoURL     string `json:"photo_url" validate:"omitempty,url"`
	OperatorName string `json:"operator_name"`
}

func (r readingRequest) input() billing.ReadingInput {
	return billing.ReadingInput{
		ResidentID:   r.ResidentID,
		Month:        r.Month,
		Year:         r.Year,
		MeterValue:   r.MeterValue,
		PhotoURL:     r.PhotoURL,
		OperatorName: r.OperatorName,
	}
}

type meterUpdateRequest struct {
	MeterValue int64 `json:"meter_value" validate:"gte=0"`
}

type paymentRequest struct {
	AmountPaid    int64      `json:"amount_paid" validate:"gte=0"`
	Method        string     `json:"method" validate:"required,oneof=CASH TRANSFER"`
	BankAccountID string     `json:"bank_account_id" validate:"required_if=Method TRANSFER"`
	PaidAt        *time.Time `json:"paid_at"`
	IsEdit        bool       `json:"is_edit"`
}

type arrearRequest struct {
	ResidentID string `json:"resident_id" validate:"required"`
	Month      int    `json:"month" validate:"min=1,max=12"`
	Year       int    `json:"year" validate:"min=2000,max=9999"`
	Amount     int64  `json:"amount" validate:"gt=0"`
}

func (r arrearRequest) input() billing.ArrearInput {
	return billing.ArrearInput{ResidentID: r.ResidentID, Month: r.Month, Year: r.Year, Amount: r.Amount}
}

type importRequest struct {
	Rows []arrearRequest `json:"rows" validate:"required,min=1,dive"`
}

type transactionRequest struct {
	Date          time.Time `json:"date" validate:"required"`
	Type          string    `json:"type" validate:"required,oneof=INCOME EXPENSE"`
	Category      string    `json:"category" validate:"required"`
	Description   string    `json:"description"`
	Amount        int64     `json:"amount" validate:"gt=0"`
	Method        string    `json:"method" validate:"required,oneof=CASH TRANSFER"`
	BankAccountID string    `json:"bank_account_id" validate:"required_if=Method TRANSFER"`
	ResidentID    string    `json:"resident_id"`
}

func (r transactionRequest) input() billing.TransactionInput {
	return billing.TransactionInput{
		Date:          r.Date,
		Type:          r.Type,
		Category:      r.Category,
		Description:   r.Description,
		Amount:        r.Amount,
		Method:        r.Method,
		BankAccountID: r.BankAccountID,
		ResidentID:    r.ResidentID,
	}
}

type bankAccountRequest struct {
	BankName       string `json:"bank_name" validate:"required"`
	AccountNumber  string `json:"account_number" validate:"required"`
	AccountHolder  string `json:"account_holder"`
	OpeningBalance int64  `json:"opening_balance"`
}

type bankMutationRequest struct {
	Date        time.Time `json:"date"`
	Type        string    `json:"type" validate:"required,oneof=KREDIT DEBIT"`
	Amount      int64     `json:"amount" validate:"gt=0"`
	Description string    `json:"description"`
}
