package domain

import (
	"errors"
	"time"
)

// Role is the caller's role in a consultation.
type Role string

const (
	RolePatient   Role = "patient"
	RoleClinician Role = "clinician"
)

// Identity is the authenticated caller as reported by the identity service.
type Identity struct {
	Role            Role   `json:"role"`
	DisplayIdentity string `json:"displayIdentity"`
}

// MinTokenLength is the shortest access token accepted from the issuer.
const MinTokenLength = 16

// SessionCredential is issued per connection attempt and never reused.
type SessionCredential struct {
	AccessToken       string     `json:"accessToken"`
	RoomName          string     `json:"roomName"`
	CallerIdentity    string     `json:"identity"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	RecordingRequired bool       `json:"recordingRequired"`
}

// ConsentRecord is the patient's telehealth consent as stored by the consent service.
type ConsentRecord struct {
	TelehealthConsent bool    `json:"telehealthConsent"`
	EmergencyContact  *string `json:"emergencyContact,omitempty"`
	EmergencyPlan     *string `json:"emergencyPlan,omitempty"`
	RecordingConsent  bool    `json:"recordingConsent"`
}

// ErrConsentNotApplicable is returned by a ConsentService when consent is
// not modelled for the caller's role.
var ErrConsentNotApplicable = errors.New("consent not applicable to role")
