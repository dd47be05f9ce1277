package endpoint_repo

import "context"

// Endpoint is a vendor-configured webhook destination. Provisioning of rows
// belongs to the app/API-key subsystem; this package only reads them.
type Endpoint struct {
	Key    string
	URL    string
	Secret string
}

type EndpointRepository interface {
	// ResolveEndpoint returns the endpoint for the given key, or (nil, nil)
	// when the vendor has none configured.
	ResolveEndpoint(ctx context.Context, key string) (*Endpoint, error)
}
