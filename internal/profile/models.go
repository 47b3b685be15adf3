package profile

import "time"

// Record is the stored form of a connection profile. Credential columns hold
// fernet tokens and are never serialised.
type Record struct {
	ID                 string     `gorm:"primaryKey;size:36" json:"id"`
	Label              string     `gorm:"uniqueIndex;not null" json:"label"`
	Transport          string     `gorm:"not null;default:ssh" json:"transport"`
	Host               string     `gorm:"not null" json:"host"`
	Port               int        `gorm:"not null;default:22" json:"port"`
	Username           string     `json:"username"`
	AuthKind           string     `gorm:"not null;default:password" json:"auth_kind"`
	PasswordEnc        string     `json:"-"`
	PrivateKeyEnc      string     `json:"-"`
	PassphraseEnc      string     `json:"-"`
	HostKeyFingerprint string     `json:"host_key_fingerprint,omitempty"`
	Wrapper            string     `gorm:"not null;default:none" json:"wrapper"`
	WrapperSessionName string     `json:"wrapper_session_name,omitempty"`
	RememberCreds      bool       `gorm:"not null;default:false" json:"remember_credentials"`
	LastConnectedAt    *time.Time `json:"last_connected_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Record) TableName() string { return "profiles" }

// HasCredentials reports whether a secret is stored for the record's auth
// kind.
func (r Record) HasCredentials() bool {
	if r.AuthKind == "key" {
		return r.PrivateKeyEnc != ""
	}
	return r.PasswordEnc != ""
}

// Setting is a key/value row for store-wide values such as the fernet key.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
