package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the recognized options for this service. Options are read
// straight from the environment with os.Getenv — no config-file layer, no
// viper/koanf.
type Config struct {
	// BackordersEnabled: reservation create allows partial reservation with a
	// Backorder upsert when true. Default true.
	BackordersEnabled bool

	// EnforceInventoryMovementExternalRef requires externalRef on movement
	// create when true. Default false.
	EnforceInventoryMovementExternalRef bool

	// EnforceCanonicalMovementFields requires entered+canonical triplets on
	// movement lines for postings occurring at or after
	// CanonicalMovementRequiredAfter, when true. Default false.
	EnforceCanonicalMovementFields bool
	CanonicalMovementRequiredAfter time.Time

	// BOMExpansionMaxDepth is recognized for forward compatibility with a
	// BOM-expansion peer outside this module's scope; nothing here reads it.
	BOMExpansionMaxDepth int

	// ATPSerializableRetries bounds retries for ordinary mutating operations
	// (allocate, cancel, fulfill, expire, shipment post). Default 2.
	ATPSerializableRetries int
	// ATPReservationCreateRetries bounds retries for createReservations,
	// which contends more heavily across a sorted batch of lock keys.
	// Default 6.
	ATPReservationCreateRetries int

	// NegativeOverrideAuthorizedActors lists the actor identifiers allowed
	// to invoke the negative-stock override. Empty means no actor is
	// authorized.
	NegativeOverrideAuthorizedActors []string
}

// LoadConfig reads Config from the environment, applying defaults for
// anything unset or unparsable.
func LoadConfig() Config {
	cfg := Config{
		BackordersEnabled:                   getBoolEnv("BACKORDERS_ENABLED", true),
		EnforceInventoryMovementExternalRef: getBoolEnv("ENFORCE_INVENTORY_MOVEMENT_EXTERNAL_REF", false),
		EnforceCanonicalMovementFields:      getBoolEnv("ENFORCE_CANONICAL_MOVEMENT_FIELDS", false),
		BOMExpansionMaxDepth:                getIntEnv("BOM_EXPANSION_MAX_DEPTH", 20),
		ATPSerializableRetries:              getIntEnv("ATP_SERIALIZABLE_RETRIES", 2),
		ATPReservationCreateRetries:         getIntEnv("ATP_RESERVATION_CREATE_RETRIES", 6),
	}
	if v := os.Getenv("CANONICAL_MOVEMENT_REQUIRED_AFTER"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			cfg.CanonicalMovementRequiredAfter = t
		}
	}
	if v := os.Getenv("NEGATIVE_OVERRIDE_AUTHORIZED_ACTORS"); v != "" {
		for _, actor := range strings.Split(v, ",") {
			actor = strings.TrimSpace(actor)
			if actor != "" {
				cfg.NegativeOverrideAuthorizedActors = append(cfg.NegativeOverrideAuthorizedActors, actor)
			}
		}
	}
	return cfg
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
