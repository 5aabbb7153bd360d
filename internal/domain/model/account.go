package model

import (
	"strings"
	"time"
)

// Identity is the natural key of a credential: the same site, user and
// sub-domain always address the same account or staged entry.
type Identity struct {
	Domain    string
	Username  string
	SubDomain string
}

// NewIdentity trims surrounding whitespace from every component.
func NewIdentity(domain, username, subDomain string) Identity {
	return Identity{
		Domain:    strings.TrimSpace(domain),
		Username:  strings.TrimSpace(username),
		SubDomain: strings.TrimSpace(subDomain),
	}
}

// Account is a confirmed credential. Password always holds an encrypted blob.
type Account struct {
	Domain     string        `json:"domain"`
	SubDomain  string        `json:"subDomain"`
	Username   string        `json:"username"`
	Password   string        `json:"password"`
	Source     AccountSource `json:"source"`
	CreatedAt  time.Time     `json:"createdAt"`
	ModifiedAt time.Time     `json:"modifiedAt"`
}

// Identity returns the natural key of the account.
func (a Account) Identity() Identity {
	return Identity{Domain: a.Domain, Username: a.Username, SubDomain: a.SubDomain}
}

// DomainGroup holds every confirmed account of one base domain.
type DomainGroup struct {
	Domain   string    `json:"domain"`
	Accounts []Account `json:"accounts"`
}

// LatestModified returns the newest ModifiedAt across the group's accounts.
func (g DomainGroup) LatestModified() time.Time {
	var latest time.Time
	for _, a := range g.Accounts {
		if a.ModifiedAt.After(latest) {
			latest = a.ModifiedAt
		}
	}
	return latest
}

// DecryptedAccount is an Account view with the plaintext password. When the
// stored blob cannot be decrypted, DecryptError is set and Password is empty.
type DecryptedAccount struct {
	Domain       string        `json:"domain"`
	SubDomain    string        `json:"subDomain"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	Source       AccountSource `json:"source"`
	CreatedAt    time.Time     `json:"createdAt"`
	ModifiedAt   time.Time     `json:"modifiedAt"`
	DecryptError bool          `json:"decryptError,omitempty"`
}

// Identity returns the natural key of the account.
func (a DecryptedAccount) Identity() Identity {
	return Identity{Domain: a.Domain, Username: a.Username, SubDomain: a.SubDomain}
}
