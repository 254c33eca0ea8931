package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/kv"
)

const defaultVehicleMissTTL = 5 * time.Minute

// VehicleMissCache remembers VINs the upstream reported as unknown for a
// subject, so repeated lookups are answered without reaching the vehicle API.
// A nil cache remembers nothing.
type VehicleMissCache struct {
	store kv.Store
	ttl   time.Duration
}

func NewVehicleMissCache(store kv.Store, ttl time.Duration) *VehicleMissCache {
	if ttl <= 0 {
		ttl = defaultVehicleMissTTL
	}
	return &VehicleMissCache{store: store, ttl: ttl}
}

func vehicleMissKey(subject, vin string) string {
	return "vin_miss:" + subject + ":" + strings.ToUpper(vin)
}

func (c *VehicleMissCache) Known(ctx context.Context, subject, vin string) (bool, error) {
	if c == nil {
		return false, nil
	}
	_, err := c.store.Get(ctx, vehicleMissKey(subject, vin))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *VehicleMissCache) Remember(ctx context.Context, subject, vin string) error {
	if c == nil {
		return nil
	}
	return c.store.Set(ctx, vehicleMissKey(subject, vin), []byte("1"), c.ttl)
}

func (c *VehicleMissCache) Forget(ctx context.Context, subject, vin string) error {
	if c == nil {
		return nil
	}
	return c.store.Delete(ctx, vehicleMissKey(subject, vin))
}
