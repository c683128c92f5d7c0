package webhook

import (
	"encoding/json"
	"time"
)

// BenefitType discriminates benefit and benefit grant payloads.
type BenefitType string

const (
	BenefitCustom           BenefitType = "custom"
	BenefitDiscord          BenefitType = "discord"
	BenefitGitHubRepository BenefitType = "github_repository"
	BenefitDownloadables    BenefitType = "downloadables"
	BenefitLicenseKeys      BenefitType = "license_keys"
	BenefitMeterCredit      BenefitType = "meter_credit"
)

// ParseBenefitType maps a discriminant onto the enum. Unrecognized values
// fall back to BenefitCustom.
func ParseBenefitType(s string) BenefitType {
	switch t := BenefitType(s); t {
	case BenefitCustom, BenefitDiscord, BenefitGitHubRepository,
		BenefitDownloadables, BenefitLicenseKeys, BenefitMeterCredit:
		return t
	default:
		return BenefitCustom
	}
}

func (t *BenefitType) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*t = ParseBenefitType(raw)
	return nil
}

// BenefitProperties is the type-specific configuration of a benefit.
type BenefitProperties interface {
	BenefitType() BenefitType
}

type CustomBenefitProperties struct {
	Note *string `json:"note"`
}

type DiscordBenefitProperties struct {
	GuildID    string `json:"guild_id"`
	RoleID     string `json:"role_id"`
	KickMember bool   `json:"kick_member"`
}

type GitHubRepositoryBenefitProperties struct {
	RepositoryOwner string `json:"repository_owner"`
	RepositoryName  string `json:"repository_name"`
	Permission      string `json:"permission"`
}

type DownloadablesBenefitProperties struct {
	Archived map[string]bool `json:"archived"`
	Files    []string        `json:"files"`
}

type LicenseKeysBenefitProperties struct {
	Prefix     *string `json:"prefix"`
	LimitUsage *int    `json:"limit_usage"`
	Expires    *struct {
		TTL       int    `json:"ttl"`
		Timeframe string `json:"timeframe"`
	} `json:"expires"`
	Activations *struct {
		Limit               int  `json:"limit"`
		EnableCustomerAdmin bool `json:"enable_customer_admin"`
	} `json:"activations"`
}

type MeterCreditBenefitProperties struct {
	Units    int64  `json:"units"`
	Rollover bool   `json:"rollover"`
	MeterID  string `json:"meter_id"`
}

func (CustomBenefitProperties) BenefitType() BenefitType           { return BenefitCustom }
func (DiscordBenefitProperties) BenefitType() BenefitType          { return BenefitDiscord }
func (GitHubRepositoryBenefitProperties) BenefitType() BenefitType { return BenefitGitHubRepository }
func (DownloadablesBenefitProperties) BenefitType() BenefitType    { return BenefitDownloadables }
func (LicenseKeysBenefitProperties) BenefitType() BenefitType      { return BenefitLicenseKeys }
func (MeterCreditBenefitProperties) BenefitType() BenefitType      { return BenefitMeterCredit }

// GrantProperties is the type-specific state of a benefit grant.
type GrantProperties interface {
	BenefitType() BenefitType
}

type CustomGrantProperties struct{}

type DiscordGrantProperties struct {
	AccountID *string `json:"account_id"`
	GuildID   string  `json:"guild_id"`
	RoleID    string  `json:"role_id"`
}

type GitHubRepositoryGrantProperties struct {
	AccountID       *string `json:"account_id"`
	RepositoryOwner string  `json:"repository_owner"`
	RepositoryName  string  `json:"repository_name"`
	Permission      string  `json:"permission"`
}

type DownloadablesGrantProperties struct {
	Files []string `json:"files"`
}

type LicenseKeysGrantProperties struct {
	UserProvidedKey *string `json:"user_provided_key"`
	LicenseKeyID    string  `json:"license_key_id"`
	DisplayKey      string  `json:"display_key"`
}

type MeterCreditGrantProperties struct {
	LastCreditedMeterID string     `json:"last_credited_meter_id"`
	LastCreditedUnits   int64      `json:"last_credited_units"`
	LastCreditedAt      *time.Time `json:"last_credited_at"`
}

func (CustomGrantProperties) BenefitType() BenefitType           { return BenefitCustom }
func (DiscordGrantProperties) BenefitType() BenefitType          { return BenefitDiscord }
func (GitHubRepositoryGrantProperties) BenefitType() BenefitType { return BenefitGitHubRepository }
func (DownloadablesGrantProperties) BenefitType() BenefitType    { return BenefitDownloadables }
func (LicenseKeysGrantProperties) BenefitType() BenefitType      { return BenefitLicenseKeys }
func (MeterCreditGrantProperties) BenefitType() BenefitType      { return BenefitMeterCredit }
