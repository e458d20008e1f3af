package models

// Identity is the authenticated caller as asserted by the identity provider
type Identity struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	AccountType string `json:"account_type"`
}

func (i Identity) IsSeller() bool {
	return i.AccountType == AccountTypeSeller
}

func (i Identity) IsAdmin() bool {
	return i.AccountType == AccountTypeAdmin
}
