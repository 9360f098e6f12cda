package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agrios/offline/internal/db"
	"github.com/agrios/offline/internal/schema"
)

// Farmer is a farmer profile. Phone is the natural lookup key on a device
// that serves several farmers.
type Farmer struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Phone     string  `json:"phone"`
	Location  *string `json:"location,omitempty"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
	Deleted   bool    `json:"deleted,omitempty"`
	Pending   bool    `json:"pending"`
}

// TableName returns the table name for Farmer.
func (Farmer) TableName() string {
	return schema.TableFarmers
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (f *Farmer) CreatedAtTime() time.Time {
	return time.UnixMilli(f.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (f *Farmer) UpdatedAtTime() time.Time {
	return time.UnixMilli(f.UpdatedAt)
}

// FarmerFromRecord maps a farmers row.
func FarmerFromRecord(r *db.Record) *Farmer {
	return &Farmer{
		ID:        r.ID,
		Name:      r.String("name"),
		Phone:     r.String("phone"),
		Location:  r.OptionalString("location"),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Deleted:   r.Deleted,
		Pending:   r.Pending(),
	}
}

// Fields returns the column values of f.
func (f *Farmer) Fields() db.Fields {
	fields := db.Fields{
		"name":     f.Name,
		"phone":    f.Phone,
		"location": nil,
	}
	if f.Location != nil {
		fields["location"] = *f.Location
	}
	return fields
}

// Validate checks the farmer rules.
func (f *Farmer) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if strings.TrimSpace(f.Phone) == "" {
		return &ValidationError{Field: "phone", Message: "must not be empty"}
	}
	return nil
}

// CreateFarmer inserts f. A live farmer with the same phone is rejected.
// f.ID is used when set, otherwise a UUID is generated.
func CreateFarmer(w *db.Writer, f *Farmer) (*Farmer, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	existing, err := w.Query(schema.TableFarmers, db.Eq("phone", f.Phone), db.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, &ValidationError{Field: "phone", Message: fmt.Sprintf("already used by farmer %s", existing[0].ID)}
	}

	fields := f.Fields()
	if f.ID != "" {
		fields["id"] = f.ID
	}
	rec, err := w.Create(schema.TableFarmers, fields)
	if err != nil {
		return nil, err
	}
	return FarmerFromRecord(rec), nil
}

// UpdateFarmer writes the business fields of f to its row.
func UpdateFarmer(w *db.Writer, f *Farmer) (*Farmer, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	rec, err := w.Update(schema.TableFarmers, f.ID, f.Fields())
	if err != nil {
		return nil, err
	}
	return FarmerFromRecord(rec), nil
}

// DeleteFarmer soft-deletes a farmer. Its logs are left in place and keep
// resolving to the tombstone until it is purged.
func DeleteFarmer(w *db.Writer, id string) error {
	return w.MarkDeleted(schema.TableFarmers, id)
}

// FindFarmer returns the farmer with id, tombstones included.
func FindFarmer(ctx context.Context, f Finder, id string) (*Farmer, error) {
	rec, err := f.FindByID(ctx, schema.TableFarmers, id)
	if err != nil {
		return nil, err
	}
	return FarmerFromRecord(rec), nil
}

// FindFarmerByPhone returns the live farmer with phone.
func FindFarmerByPhone(ctx context.Context, r Reader, phone string) (*Farmer, error) {
	recs, err := r.Query(ctx, schema.TableFarmers, db.Eq("phone", phone), db.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: farmer with phone %s", db.ErrNotFound, phone)
	}
	return FarmerFromRecord(recs[0]), nil
}

// ListFarmers returns live farmers ordered by name.
func ListFarmers(ctx context.Context, r Reader, filters ...db.Filter) ([]*Farmer, error) {
	if len(filters) == 0 {
		filters = []db.Filter{db.OrderBy("name", false)}
	}
	recs, err := r.Query(ctx, schema.TableFarmers, filters...)
	if err != nil {
		return nil, err
	}
	out := make([]*Farmer, len(recs))
	for i, rec := range recs {
		out[i] = FarmerFromRecord(rec)
	}
	return out, nil
}

// isNotFound reports whether err is a store ErrNotFound.
func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
