package service

import (
	"context"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/security"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/telemetry"
)

type AuthServiceInterface interface {
	Login(ctx context.Context, cred domain.Credential) (domain.TokenPair, error)
	Verify(ctx context.Context, token, expectedType string) (*security.Claims, error)
	Refresh(ctx context.Context, refreshToken string) (domain.AccessGrant, error)
	Logout(ctx context.Context, accessToken string) error
	Vehicles(ctx context.Context, subject string) ([]domain.Vehicle, error)
	Telemetry(ctx context.Context, subject, vin string) (telemetry.Record, error)
}

// UpstreamAuthenticator obtains vehicle API credentials.
type UpstreamAuthenticator interface {
	PasswordLogin(ctx context.Context, username, password string) (domain.UpstreamCredential, error)
	Refresh(ctx context.Context, refreshToken string) (domain.UpstreamCredential, error)
}

type VehicleDataSource interface {
	Vehicles(ctx context.Context, accessToken string) ([]domain.Vehicle, error)
	Status(ctx context.Context, accessToken, vin string) ([]byte, error)
	Location(ctx context.Context, accessToken, vin string) ([]byte, error)
	Telemetry(ctx context.Context, accessToken, vin string) ([]byte, error)
}

// Executor runs one logical upstream operation with breaker and retry.
type Executor interface {
	Execute(ctx context.Context, operation string, fn func(context.Context) error) error
}
