package inventory

import (
	"context"
	"errors"

	"github.com/vaxinv/vaxinv/internal/vaccines"
)

// PolicyLookup resolves the vial policy of a vaccine.
type PolicyLookup interface {
	Policy(ctx context.Context, vaccineID int64) (VaccinePolicy, error)
}

// DirectoryPolicies adapts a vaccines.Directory.
type DirectoryPolicies struct {
	Directory vaccines.Directory
}

// Policy implements PolicyLookup.
func (d DirectoryPolicies) Policy(ctx context.Context, vaccineID int64) (VaccinePolicy, error) {
	v, err := d.Directory.Get(ctx, vaccineID)
	if errors.Is(err, vaccines.ErrNotFound) {
		return VaccinePolicy{}, &NotFoundError{Entity: "vaccine", ID: vaccineID}
	}
	if err != nil {
		return VaccinePolicy{}, persistence("vaccine lookup", err)
	}
	return VaccinePolicy{
		VaccineID:     v.ID,
		ShortName:     v.ShortName,
		DosesPerVial:  v.DosesPerVial,
		BeyondUseDays: v.BeyondUseDays,
	}, nil
}
