package models

import "time"

// Capability is the class of generation work a credential can serve.
// It is a closed set: each capability carries its own timeout and quota
// policy but shares the pool and health machinery.
type Capability string

const (
	CapabilityImage Capability = "image"
	CapabilityVideo Capability = "video"
)

func (c Capability) Valid() bool {
	return c == CapabilityImage || c == CapabilityVideo
}

// CapabilityPolicy is the per-capability policy table entry. Video
// generation is the only quota-tracked capability: every successful video
// consumes one unit of the credential's remaining count.
type CapabilityPolicy struct {
	Timeout      time.Duration
	QuotaTracked bool
}

// Tier is a credential's subscription level. Pro-only models require a
// credential whose plan maps to TierPro.
type Tier int

const (
	TierFree Tier = iota
	TierPlus
	TierPro
)

func (t Tier) String() string {
	switch t {
	case TierPro:
		return "pro"
	case TierPlus:
		return "plus"
	default:
		return "free"
	}
}

// TierFromPlan maps an upstream plan type to a tier.
func TierFromPlan(planType string) Tier {
	switch planType {
	case "chatgpt_pro", "chatgpt_team", "chatgpt_business":
		return TierPro
	case "chatgpt_plus":
		return TierPlus
	default:
		return TierFree
	}
}

// ModelInfo describes one entry of the closed model catalog.
type ModelInfo struct {
	ID           string
	Capability   Capability
	Orientation  string
	DurationSecs int
	RequiredTier Tier
}

// ModelCatalog maps public model identifiers to their capability and
// variant parameters. Requests naming a model outside this table are
// rejected before admission.
var ModelCatalog = map[string]ModelInfo{
	"gpt-image":           {ID: "gpt-image", Capability: CapabilityImage},
	"gpt-image-landscape": {ID: "gpt-image-landscape", Capability: CapabilityImage, Orientation: "landscape"},
	"gpt-image-portrait":  {ID: "gpt-image-portrait", Capability: CapabilityImage, Orientation: "portrait"},

	"sora2-landscape-10s": {ID: "sora2-landscape-10s", Capability: CapabilityVideo, Orientation: "landscape", DurationSecs: 10},
	"sora2-portrait-10s":  {ID: "sora2-portrait-10s", Capability: CapabilityVideo, Orientation: "portrait", DurationSecs: 10},
	"sora2-landscape-15s": {ID: "sora2-landscape-15s", Capability: CapabilityVideo, Orientation: "landscape", DurationSecs: 15},
	"sora2-portrait-15s":  {ID: "sora2-portrait-15s", Capability: CapabilityVideo, Orientation: "portrait", DurationSecs: 15},

	"sora2-pro-landscape-10s": {ID: "sora2-pro-landscape-10s", Capability: CapabilityVideo, Orientation: "landscape", DurationSecs: 10, RequiredTier: TierPro},
	"sora2-pro-portrait-10s":  {ID: "sora2-pro-portrait-10s", Capability: CapabilityVideo, Orientation: "portrait", DurationSecs: 10, RequiredTier: TierPro},
	"sora2-pro-landscape-15s": {ID: "sora2-pro-landscape-15s", Capability: CapabilityVideo, Orientation: "landscape", DurationSecs: 15, RequiredTier: TierPro},
	"sora2-pro-portrait-15s":  {ID: "sora2-pro-portrait-15s", Capability: CapabilityVideo, Orientation: "portrait", DurationSecs: 15, RequiredTier: TierPro},
}

// LookupModel returns the catalog entry for a model id.
func LookupModel(id string) (ModelInfo, bool) {
	info, ok := ModelCatalog[id]
	return info, ok
}
