package model

import "time"

// StagedCredential is an observed credential awaiting user confirmation.
// Password is plaintext; staged entries are short-lived.
type StagedCredential struct {
	ID         string     `json:"id"`
	Domain     string     `json:"domain"`
	SubDomain  string     `json:"subDomain"`
	Username   string     `json:"username"`
	Password   string     `json:"password"`
	ObservedAt time.Time  `json:"observedAt"`
	Origin     string     `json:"origin"`
	UpdateType UpdateType `json:"updateType"`
}

// Identity returns the natural key of the staged entry.
func (s StagedCredential) Identity() Identity {
	return Identity{Domain: s.Domain, Username: s.Username, SubDomain: s.SubDomain}
}

// Expired reports whether the entry is older than ttl at now.
func (s StagedCredential) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.ObservedAt) > ttl
}
