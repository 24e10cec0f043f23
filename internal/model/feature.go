package model

import (
	"github.com/shopspring/decimal"
)

// Feature identifies an AI-producing surface that consumes entitlement.
type Feature string

const (
	FeaturePersonalityChat Feature = "personality_chat"
	FeatureChat            Feature = "chat"
	FeatureBuildAgent      Feature = "build_agent"
	FeatureCodingAgent     Feature = "coding_agent"
	FeatureImage           Feature = "image"
	FeatureVideo           Feature = "video"
)

// ChargePolicy fixes when a feature is debited.
type ChargePolicy string

const (
	// ChargeBeforeDispatch debits before the request is sent; failures are not refunded.
	ChargeBeforeDispatch ChargePolicy = "before_dispatch"
	// ChargeOnSuccess debits only after the turn completes.
	ChargeOnSuccess ChargePolicy = "on_success"
)

// FeatureCost is the paid unit cost and charge timing of a feature.
type FeatureCost struct {
	Unit   decimal.Decimal `json:"unit" toml:"unit"`
	Policy ChargePolicy    `json:"policy" toml:"-"`
}

// Features lists every known feature.
func Features() []Feature {
	return []Feature{
		FeaturePersonalityChat,
		FeatureChat,
		FeatureBuildAgent,
		FeatureCodingAgent,
		FeatureImage,
		FeatureVideo,
	}
}

// Conversational reports whether the feature is charged pessimistically.
func (f Feature) Conversational() bool {
	return f == FeaturePersonalityChat || f == FeatureChat
}

// Valid reports whether f is a known feature.
func (f Feature) Valid() bool {
	for _, known := range Features() {
		if f == known {
			return true
		}
	}
	return false
}
