package domain

import "time"

// SavedAddress is a user-owned delivery address. The remote table is the
// source of truth; the address book keeps a read-through mirror of it.
type SavedAddress struct {
	ID            string
	UserID        string
	Name          string
	StreetAddress string
	Apartment     string
	City          string
	State         string
	ZipCode       string
	IsDefault     bool
	CreatedAt     time.Time
}

// AddressDraft is the caller-supplied shape for a new address. City and
// State may arrive as reference-table identifiers; the address book resolves
// them to display names before persisting.
type AddressDraft struct {
	Name          string
	StreetAddress string
	Apartment     string
	City          string
	State         string
	ZipCode       string
	IsDefault     bool
}

// AddressPatch is a partial update. Nil fields are omitted from the remote
// write entirely, so "not provided" is distinct from "set to empty".
type AddressPatch struct {
	Name          *string
	StreetAddress *string
	Apartment     *string
	City          *string
	State         *string
	ZipCode       *string
	IsDefault     *bool
}
