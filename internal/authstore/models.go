package authstore

import "time"

// ClientCredential is one issued bearer token accepted on the inbound side
// of the proxy, when ENABLE_INCOMING_AUTH is set.
type ClientCredential struct {
	ID           uint       `gorm:"primaryKey"`
	APIKey       string     `gorm:"uniqueIndex;size:191;not null"`
	Name         string     `gorm:"size:191"`
	Revoked      bool       `gorm:"not null;default:false"`
	RevokedAt    *time.Time
	LastUsedAt   *time.Time
	RequestCount int64 `gorm:"not null;default:0"`
	CreatedAt    time.Time
}

// TableName pins the table name independent of the struct's package location.
func (ClientCredential) TableName() string {
	return "client_credentials"
}
