package addressbook

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/zabtt/storefront/internal/domain"
	"github.com/zabtt/storefront/supabase/client"
)

// TokenSource supplies the active user's access token so address rows pass
// row-level security. Reference-table lookups run on the anon key.
type TokenSource func() string

// SupabaseRepository implements Repository over the PostgREST adapter.
type SupabaseRepository struct {
	api   *client.Client
	token TokenSource
}

// NewSupabaseRepository builds the repository.
func NewSupabaseRepository(api *client.Client, token TokenSource) *SupabaseRepository {
	return &SupabaseRepository{api: api, token: token}
}

func (r *SupabaseRepository) scoped() *client.Client {
	if r.token == nil {
		return r.api
	}
	if t := r.token(); t != "" {
		return r.api.WithToken(t)
	}
	return r.api
}

// addressRow is the remote column layout of the addresses table.
type addressRow struct {
	ID            string `json:"id,omitempty"`
	UserID        string `json:"user_id"`
	RecipientName string `json:"recipient_name"`
	Street        string `json:"street"`
	Apartment     string `json:"apartment,omitempty"`
	City          string `json:"city"`
	District      string `json:"district"`
	Area          string `json:"area"`
	PostalCode    string `json:"postal_code,omitempty"`
	Building      string `json:"building"`
	Floor         string `json:"floor"`
	Phone         string `json:"phone"`
	IsDefault     bool   `json:"is_default"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// patchRow carries only the fields present in a partial update. Nil fields
// marshal to nothing, so the remote row keeps its stored values.
type patchRow struct {
	RecipientName *string `json:"recipient_name,omitempty"`
	Street        *string `json:"street,omitempty"`
	Apartment     *string `json:"apartment,omitempty"`
	City          *string `json:"city,omitempty"`
	Area          *string `json:"area,omitempty"`
	PostalCode    *string `json:"postal_code,omitempty"`
	IsDefault     *bool   `json:"is_default,omitempty"`
}

func (row addressRow) toDomain() domain.SavedAddress {
	a := domain.SavedAddress{
		ID:            row.ID,
		UserID:        row.UserID,
		Name:          row.RecipientName,
		StreetAddress: row.Street,
		Apartment:     row.Apartment,
		City:          row.City,
		State:         row.Area,
		ZipCode:       row.PostalCode,
		IsDefault:     row.IsDefault,
	}
	if a.State == "" {
		// Older rows kept the region in district.
		a.State = row.District
	}
	if row.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, row.CreatedAt); err == nil {
			a.CreatedAt = t
		}
	}
	return a
}

// ListByOwner returns the owner's addresses, default first, newest first.
func (r *SupabaseRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.SavedAddress, error) {
	resp, err := r.scoped().From("addresses").
		Select("*").
		Eq("user_id", ownerID).
		Order("is_default", false).
		Order("created_at", false).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var rows []addressRow
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode addresses: %w", err)
	}

	out := make([]domain.SavedAddress, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// Insert creates the row, filling the table's required legacy columns the
// same way the web client always has.
func (r *SupabaseRepository) Insert(ctx context.Context, a NewAddress) (*domain.SavedAddress, error) {
	row := addressRow{
		UserID:        a.OwnerID,
		RecipientName: a.Name,
		Street:        a.Street,
		Apartment:     a.Apartment,
		City:          a.City,
		District:      a.Street,
		Area:          a.Area,
		PostalCode:    a.ZipCode,
		Building:      "Main",
		Floor:         "1",
		Phone:         "0000000000",
		IsDefault:     a.IsDefault,
	}

	resp, err := r.scoped().From("addresses").ExecuteInsert(ctx, []addressRow{row})
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var created []addressRow
	if err := resp.JSON(&created); err != nil {
		return nil, fmt.Errorf("decode created address: %w", err)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("insert returned no row")
	}
	result := created[0].toDomain()
	return &result, nil
}

// Update patches one row, scoped to the owner.
func (r *SupabaseRepository) Update(ctx context.Context, ownerID, id string, fields Fields) error {
	patch := patchRow{
		RecipientName: fields.Name,
		Street:        fields.Street,
		Apartment:     fields.Apartment,
		City:          fields.City,
		Area:          fields.Area,
		PostalCode:    fields.ZipCode,
		IsDefault:     fields.IsDefault,
	}

	resp, err := r.scoped().From("addresses").
		Eq("id", id).
		Eq("user_id", ownerID).
		ExecuteUpdate(ctx, patch)
	if err != nil {
		return err
	}
	return resp.Error()
}

// Delete removes one row, scoped to the owner.
func (r *SupabaseRepository) Delete(ctx context.Context, ownerID, id string) error {
	resp, err := r.scoped().From("addresses").
		Eq("id", id).
		Eq("user_id", ownerID).
		ExecuteDelete(ctx)
	if err != nil {
		return err
	}
	return resp.Error()
}

// ClearDefaults demotes every address of the owner.
func (r *SupabaseRepository) ClearDefaults(ctx context.Context, ownerID string) error {
	f := false
	resp, err := r.scoped().From("addresses").
		Eq("user_id", ownerID).
		ExecuteUpdate(ctx, patchRow{IsDefault: &f})
	if err != nil {
		return err
	}
	return resp.Error()
}

// MarkDefault promotes one address of the owner.
func (r *SupabaseRepository) MarkDefault(ctx context.Context, ownerID, id string) error {
	t := true
	resp, err := r.scoped().From("addresses").
		Eq("id", id).
		Eq("user_id", ownerID).
		ExecuteUpdate(ctx, patchRow{IsDefault: &t})
	if err != nil {
		return err
	}
	return resp.Error()
}

// CityName resolves a city id to its display name.
func (r *SupabaseRepository) CityName(ctx context.Context, id string) (string, error) {
	return r.lookupName(ctx, "cities", id)
}

// AreaName resolves an area id to its display name.
func (r *SupabaseRepository) AreaName(ctx context.Context, id string) (string, error) {
	return r.lookupName(ctx, "areas", id)
}

func (r *SupabaseRepository) lookupName(ctx context.Context, table, id string) (string, error) {
	resp, err := r.api.From(table).
		Select("name").
		Eq("id", id).
		Single().
		Execute(ctx)
	if err != nil {
		return "", err
	}
	if err := resp.Error(); err != nil {
		return "", err
	}
	return gjson.GetBytes(resp.Body, "name").String(), nil
}
