package convo

import (
	"encoding/json"
	"fmt"
	"time"
)

// Dialog states. Every transition writes one of these values; nothing else
// may appear in users.dialog_state.
const (
	StateLangSelect = "lang_select"

	StateRegisterName   = "register_name"
	StateRegisterPhone  = "register_phone"
	StateRegisterID     = "register_id"
	StateRegisterDOB    = "register_dob"
	StateRegisterPlate  = "register_plate"
	StateRegisterPhotos = "register_photos"

	StateWaitingApproval = "waiting_for_approval"
	StateMainMenu        = "main_menu"

	StateBuySelectCover   = "buy_select_cover"
	StateBuySelectProduct = "buy_select_product"
	StateBuyVehicleValue  = "buy_vehicle_value"
	StateBuyVehicleAge    = "buy_vehicle_age"
	StateBuyConfirm       = "buy_confirm"

	StateClaimSelectPolicy = "claim_select_policy"
	StateClaimDate         = "claim_date"
	StateClaimTime         = "claim_time"
	StateClaimLocation     = "claim_location"
	StateClaimDescription  = "claim_description"
	StateClaimPhotos       = "claim_photos"
)

var knownStates = map[string]bool{
	StateLangSelect:        true,
	StateRegisterName:      true,
	StateRegisterPhone:     true,
	StateRegisterID:        true,
	StateRegisterDOB:       true,
	StateRegisterPlate:     true,
	StateRegisterPhotos:    true,
	StateWaitingApproval:   true,
	StateMainMenu:          true,
	StateBuySelectCover:    true,
	StateBuySelectProduct:  true,
	StateBuyVehicleValue:   true,
	StateBuyVehicleAge:     true,
	StateBuyConfirm:        true,
	StateClaimSelectPolicy: true,
	StateClaimDate:         true,
	StateClaimTime:         true,
	StateClaimLocation:     true,
	StateClaimDescription:  true,
	StateClaimPhotos:       true,
}

// KnownState reports whether a dialog state value is declared.
func KnownState(state string) bool {
	return knownStates[state]
}

const registrationPhotoCount = 4

// RegistrationDraft accumulates KYC fields across the onboarding flow.
type RegistrationDraft struct {
	FullName       string   `json:"full_name,omitempty"`
	SecondaryPhone string   `json:"secondary_phone,omitempty"`
	IDNumber       string   `json:"id_number,omitempty"`
	DateOfBirth    string   `json:"date_of_birth,omitempty"`
	PlateNumber    string   `json:"plate_number,omitempty"`
	PhotoRefs      []string `json:"photo_refs,omitempty"`
}

// PurchaseDraft accumulates the buy flow selections.
type PurchaseDraft struct {
	Coverage     string  `json:"coverage,omitempty"`
	ProductID    string  `json:"product_id,omitempty"`
	ProductName  string  `json:"product_name,omitempty"`
	Premium      int64   `json:"premium,omitempty"`
	VehicleValue int64   `json:"vehicle_value,omitempty"`
	VehicleAge   int     `json:"vehicle_age,omitempty"`
	QuoteID      string  `json:"quote_id,omitempty"`
	QuoteTotal   float64 `json:"quote_total,omitempty"`
}

// ClaimDraft accumulates the first-notice-of-loss fields.
type ClaimDraft struct {
	PolicyID    string   `json:"policy_id,omitempty"`
	PolicyNo    string   `json:"policy_no,omitempty"`
	Date        string   `json:"date,omitempty"`
	Time        string   `json:"time,omitempty"`
	Location    string   `json:"location,omitempty"`
	Description string   `json:"description,omitempty"`
	MediaRefs   []string `json:"media_refs,omitempty"`
}

// Draft is the flow-scoped scratch space embedded in the user row. At most
// one branch is populated at a time and the whole draft is cleared when a
// flow completes or is cancelled.
type Draft struct {
	Registration *RegistrationDraft `json:"registration,omitempty"`
	Purchase     *PurchaseDraft     `json:"purchase,omitempty"`
	Claim        *ClaimDraft        `json:"claim,omitempty"`
}

func decodeDraft(raw []byte) Draft {
	var d Draft
	if len(raw) == 0 {
		return d
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return Draft{}
	}
	return d
}

func encodeDraft(d Draft) []byte {
	raw, err := json.Marshal(d)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// parseDayMonthYear accepts the DD/MM/YYYY format used in prompts.
func parseDayMonthYear(s string) (time.Time, error) {
	t, err := time.Parse("02/01/2006", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected DD/MM/YYYY: %w", err)
	}
	return t, nil
}

// parseClock accepts the HH:MM 24-hour format used in prompts.
func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM: %w", err)
	}
	return t.Hour(), t.Minute(), nil
}
