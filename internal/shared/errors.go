package shared

import (
	"fmt"

	"github.com/vaxinv/vaxinv/internal/platform/httpx"
)

// ErrMissingActor occurs when a request carries no actor headers.
var ErrMissingActor = fmt.Errorf("actor and location headers required: %w", httpx.ErrUnauthorized)
