package domain

import "time"

type User struct {
	UserID         string    `json:"id" dynamodbav:"user_id"`
	Username       string    `json:"username" dynamodbav:"username"`
	Email          string    `json:"email" dynamodbav:"email"`
	Phone          *string   `json:"phone" dynamodbav:"phone"`
	PasswordHash   string    `json:"-" dynamodbav:"password_hash"`
	EmailConfirmed bool      `json:"email_confirmed" dynamodbav:"email_confirmed"`
	PhoneConfirmed bool      `json:"phone_confirmed" dynamodbav:"phone_confirmed"`
	TwoFactorEmail bool      `json:"two_factor_email" dynamodbav:"two_factor_email"`
	TOTPEnabled    bool      `json:"totp_enabled" dynamodbav:"totp_enabled"`
	TOTPSecret     string    `json:"-" dynamodbav:"totp_secret"`
	Enable         bool      `json:"enable" dynamodbav:"enable"`
	CreatedAt      time.Time `json:"created" dynamodbav:"created_at"`
	UpdatedAt      time.Time `json:"updated" dynamodbav:"updated_at"`
}

// Destination returns where codes for the given channel go, or false when the
// user has no address on that channel.
func (u *User) Destination(ch Channel) (Destination, bool) {
	switch ch {
	case ChannelSMS:
		if u.Phone == nil || *u.Phone == "" {
			return Destination{}, false
		}
		return Destination{Channel: ChannelSMS, Address: *u.Phone}, true
	default:
		if u.Email == "" {
			return Destination{}, false
		}
		return Destination{Channel: ChannelEmail, Address: u.Email}, true
	}
}

type CreateUserRequest struct {
	Username string  `json:"username" validate:"required"`
	Password string  `json:"password" validate:"required,min=8,max=72"`
	Email    string  `json:"email" validate:"required,email"`
	Phone    *string `json:"phone" validate:"omitempty,e164"`
}

// User attribute names accepted by user-store partial updates.
const (
	FieldPasswordHash   = "password_hash"
	FieldEmailConfirmed = "email_confirmed"
	FieldPhoneConfirmed = "phone_confirmed"
	FieldTwoFactorEmail = "two_factor_email"
	FieldTOTPEnabled    = "totp_enabled"
	FieldTOTPSecret     = "totp_secret"
	FieldEnable         = "enable"
)
