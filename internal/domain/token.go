package domain

const TokenTypeBearer = "Bearer"

// TokenPair is returned by login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AccessGrant is returned by refresh.
type AccessGrant struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type Vehicle struct {
	VIN       string `json:"vin"`
	ModelName string `json:"model_name,omitempty"`
	ModelYear string `json:"model_year,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
}

const MaxVINLength = 32

func ValidateVIN(vin string) error {
	if vin == "" || len(vin) > MaxVINLength {
		return InputError("invalid_vin", "vin must be between 1 and 32 characters")
	}
	for _, r := range vin {
		if (r < '0' || r > '9') && (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return InputError("invalid_vin", "vin must be alphanumeric")
		}
	}
	return nil
}
