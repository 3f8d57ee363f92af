package jobs

import "context"

// Applier writes generated content back to the external commerce platform.
// The platform is an external collaborator with a narrow contract; it is not
// modelled beyond this interface.
type Applier interface {
	Apply(ctx context.Context, productID, language, content string, opts ApplyOptions) (*ApplyResult, error)
}
